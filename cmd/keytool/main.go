// keytool opera directo sobre el storage, sin pasar por el daemon. Para
// recuperación y administración en frío: listar, generar, fijar primaria,
// backup y restore.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/dropDatabas3/ringkeeper/internal/backend"
	"github.com/dropDatabas3/ringkeeper/internal/backend/engine"
	"github.com/dropDatabas3/ringkeeper/internal/backup"
	"github.com/dropDatabas3/ringkeeper/internal/config"
	"github.com/dropDatabas3/ringkeeper/internal/keyring"
	"github.com/dropDatabas3/ringkeeper/internal/observability/logger"
	"github.com/dropDatabas3/ringkeeper/internal/pgp"
	"github.com/dropDatabas3/ringkeeper/internal/storage"
	storagefs "github.com/dropDatabas3/ringkeeper/internal/storage/fs"
	storagepg "github.com/dropDatabas3/ringkeeper/internal/storage/pg"
	storageredis "github.com/dropDatabas3/ringkeeper/internal/storage/redis"
)

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

func main() {
	var (
		flagEnvOnly = flag.Bool("env", false, "usar SOLO env (y .env si se pasa -env-file)")
		flagEnvFile = flag.String("env-file", ".env", "ruta a .env")
		flagConfig  = flag.String("config", "", "ruta a config.yaml (si no se usa -env)")

		cmdList         = flag.Bool("list", false, "lista keyrings y sus claves")
		cmdGenerate     = flag.Bool("generate", false, "genera una clave en el keyring")
		cmdSetPrimary   = flag.Bool("set-primary", false, "fija la clave primaria")
		cmdBackup       = flag.Bool("backup", false, "crea el backup de una clave privada")
		cmdRestore      = flag.Bool("restore", false, "restaura una clave desde un backup")
		cmdGenMasterKey = flag.Bool("gen-masterkey", false, "genera una clave para RINGKEEPER_MASTER_KEY")

		flagKeyring = flag.String("keyring", "", "keyring id")
		flagFpr     = flag.String("fpr", "", "fingerprint")
		flagName    = flag.String("name", "", "nombre del user id (generate)")
		flagEmail   = flag.String("email", "", "email del user id (generate)")
		flagPass    = flag.String("passphrase", "", "passphrase de la clave")
		flagMsgFile = flag.String("message-file", "", "archivo con el mensaje de backup (restore)")
		flagCode    = flag.String("code", "", "código de backup de 26 letras (restore)")
	)
	flag.Parse()

	if *cmdGenMasterKey {
		k := make([]byte, 32)
		if _, err := rand.Read(k); err != nil {
			log.Fatalf("entropy: %v", err)
		}
		fmt.Printf("RINGKEEPER_MASTER_KEY=%s\n", base64.StdEncoding.EncodeToString(k))
		return
	}

	if *flagEnvFile != "" {
		_ = godotenv.Load(*flagEnvFile)
	}

	var cfg *config.Config
	var err error
	if *flagEnvOnly || (*flagConfig == "" && !fileExists("configs/config.yaml")) {
		cfg, err = config.FromEnv()
	} else {
		path := *flagConfig
		if path == "" {
			path = "configs/config.yaml"
		}
		cfg, err = config.Load(path)
	}
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger.Init(logger.Config{Env: "prod", Level: "warn"}) // tool silencioso

	ctx := context.Background()
	provider, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer func() { _ = provider.Close() }()

	switch {
	case *cmdList:
		listAll(ctx, provider)
	case *cmdGenerate:
		ring := mustRing(ctx, provider, *flagKeyring)
		if *flagEmail == "" {
			log.Fatal("-email es requerido")
		}
		req := backend.GenerateRequest{
			UserIDs: []pgp.UserID{{Name: *flagName, Email: *flagEmail}},
		}
		if *flagPass != "" {
			req.Passphrase = []byte(*flagPass)
		}
		k, err := ring.Generate(ctx, req)
		if err != nil {
			log.Fatalf("generate: %v", err)
		}
		fmt.Printf("generated %s\n", k.Fingerprint())
	case *cmdSetPrimary:
		ring := mustRing(ctx, provider, *flagKeyring)
		if *flagFpr == "" {
			log.Fatal("-fpr es requerido")
		}
		if err := ring.SetPrimary(ctx, *flagFpr); err != nil {
			log.Fatalf("set-primary: %v", err)
		}
		fmt.Println("ok")
	case *cmdBackup:
		ring := mustRing(ctx, provider, *flagKeyring)
		key := resolveKey(ctx, ring, *flagFpr)
		res, err := backup.Create(key, *flagPass)
		if err != nil {
			log.Fatalf("backup: %v", err)
		}
		// el código va a stderr para poder redirigir el mensaje a un archivo
		fmt.Fprintf(os.Stderr, "backup code (guardalo, no se repite): %s\n", res.Code)
		fmt.Println(res.Message)
	case *cmdRestore:
		ring := mustRing(ctx, provider, *flagKeyring)
		if *flagMsgFile == "" || *flagCode == "" {
			log.Fatal("-message-file y -code son requeridos")
		}
		raw, err := os.ReadFile(*flagMsgFile)
		if err != nil {
			log.Fatalf("read message: %v", err)
		}
		restored, err := backup.Restore(string(raw), *flagCode)
		if err != nil {
			log.Fatalf("restore: %v", err)
		}
		armored, err := restored.Key.ArmoredPrivate()
		if err != nil {
			log.Fatalf("restore: %v", err)
		}
		results, err := ring.Import(ctx, []keyring.ImportCandidate{
			{Armored: armored, Kind: pgp.KindPrivate},
		})
		if err != nil {
			log.Fatalf("import: %v", err)
		}
		for _, r := range results {
			fmt.Printf("%s %s\n", r.Status, r.Message)
		}
		fmt.Printf("passphrase original: %s\n", restored.Passphrase)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func mustRing(ctx context.Context, p storage.Provider, id string) *keyring.Keyring {
	if id == "" {
		log.Fatal("-keyring es requerido")
	}
	r, err := keyring.Open(ctx, p, id, engine.New())
	if err != nil {
		log.Fatalf("open keyring %s: %v", id, err)
	}
	return r
}

func resolveKey(ctx context.Context, ring *keyring.Keyring, fpr string) *pgp.Key {
	if fpr != "" {
		k := ring.Key(fpr)
		if k == nil {
			log.Fatalf("no key %s in keyring", fpr)
		}
		return k
	}
	k, err := ring.PrimaryKey(ctx)
	if err != nil {
		log.Fatalf("primary key: %v", err)
	}
	return k
}

func listAll(ctx context.Context, p storage.Provider) {
	ids, err := p.ListKeyrings(ctx)
	if err != nil {
		log.Fatalf("list: %v", err)
	}
	now := time.Now()
	for _, id := range ids {
		ring, err := keyring.Open(ctx, p, id, engine.New())
		if err != nil {
			fmt.Printf("%s\t(unreadable: %v)\n", id, err)
			continue
		}
		fmt.Printf("%s\n", id)
		for _, k := range ring.Keys() {
			flags := ""
			if k.CanSign(now) {
				flags += "S"
			}
			if k.CanEncrypt(now) {
				flags += "E"
			}
			if !k.IsValid(now) {
				flags += "!"
			}
			uid := ""
			if uids := k.UserIDs(); len(uids) > 0 {
				uid = uids[0].Raw
			}
			fmt.Printf("  %s %s [%s] %s\n", k.Fingerprint(), k.Kind(), flags, uid)
		}
	}
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Provider, error) {
	switch cfg.Storage.Driver {
	case "fs":
		return storagefs.New(cfg.Storage.FS.Root)
	case "postgres":
		return storagepg.Open(ctx, storagepg.Config{
			DSN:             cfg.Storage.Postgres.DSN,
			MaxConns:        int32(cfg.Storage.Postgres.MaxConns),
			MinConns:        int32(cfg.Storage.Postgres.MinConns),
			MaxConnLifetime: config.Duration(cfg.Storage.Postgres.ConnMaxLifetime, 30*time.Minute),
		})
	case "redis":
		return storageredis.New(storageredis.Config{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Storage.Redis.Prefix,
		}), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
