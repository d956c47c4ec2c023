// ringkeeper daemon: levanta el storage, los backends criptográficos y la
// API REST local que consume la UI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/dropDatabas3/ringkeeper/internal/backend"
	"github.com/dropDatabas3/ringkeeper/internal/backend/agent"
	"github.com/dropDatabas3/ringkeeper/internal/backend/engine"
	"github.com/dropDatabas3/ringkeeper/internal/config"
	"github.com/dropDatabas3/ringkeeper/internal/email"
	httpx "github.com/dropDatabas3/ringkeeper/internal/http"
	"github.com/dropDatabas3/ringkeeper/internal/http/handlers"
	"github.com/dropDatabas3/ringkeeper/internal/keyring"
	"github.com/dropDatabas3/ringkeeper/internal/observability/logger"
	"github.com/dropDatabas3/ringkeeper/internal/passcache"
	"github.com/dropDatabas3/ringkeeper/internal/storage"
	storagefs "github.com/dropDatabas3/ringkeeper/internal/storage/fs"
	storagepg "github.com/dropDatabas3/ringkeeper/internal/storage/pg"
	storageredis "github.com/dropDatabas3/ringkeeper/internal/storage/redis"
)

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

func main() {
	var (
		flagEnvOnly = flag.Bool("env", false, "usar SOLO env (y .env si se pasa -env-file)")
		flagEnvFile = flag.String("env-file", ".env", "ruta a .env")
		flagConfig  = flag.String("config", "", "ruta a config.yaml (si no se usa -env)")
	)
	flag.Parse()

	if *flagEnvFile != "" {
		_ = godotenv.Load(*flagEnvFile)
	}

	var cfg *config.Config
	var err error
	if *flagEnvOnly {
		cfg, err = config.FromEnv()
	} else {
		path := *flagConfig
		if path == "" {
			if fileExists("configs/config.yaml") {
				path = "configs/config.yaml"
			} else {
				path = "configs/config.example.yaml"
			}
		}
		if fileExists(path) {
			cfg, err = config.Load(path)
		} else {
			cfg, err = config.FromEnv()
		}
	}
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level})
	defer func() { _ = logger.Sync() }()
	fmt.Print(cfg.Summary())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, poolStats, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer func() { _ = provider.Close() }()

	backends := map[string]backend.Backend{"engine": engine.New()}
	if cfg.Backend.Agent.Enabled {
		backends["agent"] = agent.New(agent.Config{
			BaseURL: cfg.Backend.Agent.BaseURL,
			Socket:  cfg.Backend.Agent.Socket,
			Token:   cfg.Backend.Agent.Token,
			Timeout: config.Duration(cfg.Backend.Agent.Timeout, 30*time.Second),
		})
	}

	mgr, err := keyring.NewManager(provider, backends, cfg.Backend.Default)
	if err != nil {
		log.Fatalf("manager: %v", err)
	}

	h := handlers.New(mgr, passcache.New(config.Duration(cfg.PassCache.TTL, passcache.DefaultTTL)))
	if cfg.SMTP.Host != "" {
		sender := email.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.From, cfg.SMTP.Username, cfg.SMTP.Password)
		sender.TLSMode = cfg.SMTP.TLS
		sender.InsecureSkipVerify = cfg.SMTP.InsecureSkipVerify
		h.Mail = sender
		h.SendBackups = cfg.Email.SendBackups
	}

	routerCfg := httpx.RouterConfig{
		AuthToken:          cfg.Server.AuthToken,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		Ready:              provider.Ping,
	}
	if cfg.Metrics.Enabled {
		mh, err := httpx.RegisterMetrics(httpx.MetricsConfig{PoolStats: poolStats})
		if err != nil {
			log.Fatalf("metrics: %v", err)
		}
		routerCfg.Metrics = mh
	}

	router := httpx.NewRouter(routerCfg, h)
	logger.L().Info("ringkeeper listening",
		logger.String("addr", cfg.Server.Addr),
		logger.Driver(cfg.Storage.Driver),
		logger.Backend(cfg.Backend.Default))

	if err := httpx.StartWithShutdown(ctx, cfg.Server.Addr, router, 10*time.Second); err != nil {
		logger.L().Error("server stopped", logger.Err(err))
		os.Exit(1)
	}
}

// openStorage arma el provider según el driver. El segundo retorno expone
// las stats del pool pgx para métricas (nil con fs/redis).
func openStorage(ctx context.Context, cfg *config.Config) (storage.Provider, func() *pgxpool.Stat, error) {
	switch cfg.Storage.Driver {
	case "fs":
		p, err := storagefs.New(cfg.Storage.FS.Root)
		return p, nil, err
	case "postgres":
		p, err := storagepg.Open(ctx, storagepg.Config{
			DSN:             cfg.Storage.Postgres.DSN,
			MaxConns:        int32(cfg.Storage.Postgres.MaxConns),
			MinConns:        int32(cfg.Storage.Postgres.MinConns),
			MaxConnLifetime: config.Duration(cfg.Storage.Postgres.ConnMaxLifetime, 30*time.Minute),
		})
		if err != nil {
			return nil, nil, err
		}
		if cfg.Flags.Migrate {
			if err := p.Migrate(ctx); err != nil {
				return nil, nil, err
			}
		}
		return p, p.PoolStats, nil
	case "redis":
		p := storageredis.New(storageredis.Config{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Storage.Redis.Prefix,
		})
		return p, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
