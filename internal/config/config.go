package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dropDatabas3/ringkeeper/internal/security/secretbox"
)

type Config struct {
	// Bloque app (opcional en YAML). Si no está, queda vacío.
	App struct {
		// dev | staging | prod
		Env string `yaml:"app_env"`
	} `yaml:"app"`

	Server struct {
		Addr               string   `yaml:"addr"`
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
		// Token Bearer estático para la API. Vacío = API abierta (solo dev).
		AuthToken    string `yaml:"auth_token"`
		AuthTokenEnc string `yaml:"auth_token_enc"`
	} `yaml:"server"`

	Storage struct {
		Driver string `yaml:"driver"` // fs | postgres | redis
		FS     struct {
			Root string `yaml:"root"`
		} `yaml:"fs"`
		Postgres struct {
			DSN             string `yaml:"dsn"`
			DSNEnc          string `yaml:"dsn_enc"`
			MaxConns        int    `yaml:"max_conns"`
			MinConns        int    `yaml:"min_conns"`
			ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		} `yaml:"postgres"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Backend struct {
		// Backend por defecto para keyrings nuevos: engine | agent
		Default string `yaml:"default"`
		Agent   struct {
			Enabled  bool   `yaml:"enabled"`
			BaseURL  string `yaml:"base_url"`
			Socket   string `yaml:"socket"` // unix socket; tiene prioridad sobre base_url
			Token    string `yaml:"token"`
			TokenEnc string `yaml:"token_enc"`
			Timeout  string `yaml:"timeout"`
		} `yaml:"agent"`
	} `yaml:"backend"`

	PassCache struct {
		TTL string `yaml:"ttl"`
	} `yaml:"passcache"`

	SMTP struct {
		Host               string `yaml:"host"`
		Port               int    `yaml:"port"`
		Username           string `yaml:"username"`
		Password           string `yaml:"password"`
		PasswordEnc        string `yaml:"password_enc"`
		From               string `yaml:"from"`
		TLS                string `yaml:"tls"`                  // auto | starttls | ssl | none
		InsecureSkipVerify bool   `yaml:"insecure_skip_verify"` // sólo dev
	} `yaml:"smtp"`

	Email struct {
		// Envío opcional del mensaje de backup por mail (nunca el código).
		SendBackups bool `yaml:"send_backups"`
	} `yaml:"email"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Flags struct {
		Migrate bool `yaml:"migrate"`
	} `yaml:"flags"`

	Log struct {
		Level string `yaml:"level"` // debug | info | warn | error
	} `yaml:"log"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	c.applyDefaults()
	c.applyEnvOverrides()
	if err := c.decryptSecrets(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// FromEnv arma la config sin YAML, solo de variables de entorno. Para
// despliegues donde montar un archivo es incómodo (contenedores).
func FromEnv() (*Config, error) {
	var c Config
	c.applyDefaults()
	c.applyEnvOverrides()
	if err := c.decryptSecrets(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	// sane defaults
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "fs"
	}
	if c.Storage.FS.Root == "" {
		c.Storage.FS.Root = "./data/ringkeeper"
	}
	if c.Storage.Postgres.MaxConns == 0 {
		c.Storage.Postgres.MaxConns = 5 // reducido para dev/testing
	}
	if c.Storage.Postgres.MinConns == 0 {
		c.Storage.Postgres.MinConns = 1
	}
	if c.Storage.Postgres.ConnMaxLifetime == "" {
		c.Storage.Postgres.ConnMaxLifetime = "30m"
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "rk:"
	}
	if c.Backend.Default == "" {
		c.Backend.Default = "engine"
	}
	if c.Backend.Agent.Timeout == "" {
		c.Backend.Agent.Timeout = "30s"
	}
	if c.PassCache.TTL == "" {
		c.PassCache.TTL = "30m"
	}
	if c.SMTP.TLS == "" {
		c.SMTP.TLS = "auto"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SMTP.From == "" {
		c.SMTP.From = c.SMTP.Username
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}
func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}
func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}
func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		if strings.TrimSpace(s) == "" {
			return []string{}, true
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}

// applyEnvOverrides: pisa config.yaml con variables de entorno.
func (c *Config) applyEnvOverrides() {
	// APP
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}

	// SERVER
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvCSV("SERVER_CORS_ALLOWED_ORIGINS"); ok {
		c.Server.CORSAllowedOrigins = v
	}
	if v, ok := getEnvStr("SERVER_AUTH_TOKEN"); ok {
		c.Server.AuthToken = v
	}

	// STORAGE
	if v, ok := getEnvStr("STORAGE_DRIVER"); ok {
		c.Storage.Driver = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := getEnvStr("STORAGE_FS_ROOT"); ok {
		c.Storage.FS.Root = v
	}
	if v, ok := getEnvStr("POSTGRES_DSN"); ok {
		c.Storage.Postgres.DSN = v
	}
	if v, ok := getEnvInt("POSTGRES_MAX_CONNS"); ok {
		c.Storage.Postgres.MaxConns = v
	}
	if v, ok := getEnvInt("POSTGRES_MIN_CONNS"); ok {
		c.Storage.Postgres.MinConns = v
	}
	if v, ok := getEnvStr("POSTGRES_CONN_MAX_LIFETIME"); ok {
		c.Storage.Postgres.ConnMaxLifetime = v
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Storage.Redis.Addr = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Storage.Redis.Password = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Storage.Redis.DB = v
	}
	if v, ok := getEnvStr("REDIS_PREFIX"); ok {
		c.Storage.Redis.Prefix = v
	}

	// BACKEND
	if v, ok := getEnvStr("BACKEND_DEFAULT"); ok {
		c.Backend.Default = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := getEnvBool("AGENT_ENABLED"); ok {
		c.Backend.Agent.Enabled = v
	}
	if v, ok := getEnvStr("AGENT_BASE_URL"); ok {
		c.Backend.Agent.BaseURL = v
	}
	if v, ok := getEnvStr("AGENT_SOCKET"); ok {
		c.Backend.Agent.Socket = v
	}
	if v, ok := getEnvStr("AGENT_TOKEN"); ok {
		c.Backend.Agent.Token = v
	}
	if v, ok := getEnvStr("AGENT_TIMEOUT"); ok {
		c.Backend.Agent.Timeout = v
	}

	// PASSCACHE
	if v, ok := getEnvStr("PASSCACHE_TTL"); ok {
		c.PassCache.TTL = v
	}

	// SMTP
	if v, ok := getEnvStr("SMTP_HOST"); ok {
		c.SMTP.Host = v
	}
	if v, ok := getEnvInt("SMTP_PORT"); ok {
		c.SMTP.Port = v
	}
	if v, ok := getEnvStr("SMTP_USERNAME"); ok {
		c.SMTP.Username = v
	}
	if v, ok := getEnvStr("SMTP_PASSWORD"); ok {
		c.SMTP.Password = v
	}
	if v, ok := getEnvStr("SMTP_FROM"); ok {
		c.SMTP.From = v
	}
	if v, ok := getEnvStr("SMTP_TLS"); ok {
		c.SMTP.TLS = strings.ToLower(v) // auto|starttls|ssl|none
	}
	if v, ok := getEnvBool("SMTP_INSECURE_SKIP_VERIFY"); ok {
		c.SMTP.InsecureSkipVerify = v
	}

	// EMAIL
	if v, ok := getEnvBool("EMAIL_SEND_BACKUPS"); ok {
		c.Email.SendBackups = v
	}

	// METRICS
	if v, ok := getEnvBool("METRICS_ENABLED"); ok {
		c.Metrics.Enabled = v
	}

	// FLAGS
	if v, ok := getEnvBool("FLAGS_MIGRATE"); ok {
		c.Flags.Migrate = v
	}

	// LOG
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}
}

// decryptSecrets resuelve los campos *_enc con la clave maestra de secretbox.
// El valor plano, si está, gana; el cifrado solo se usa como fallback.
func (c *Config) decryptSecrets() error {
	resolve := func(plain *string, enc, name string) error {
		if *plain != "" || strings.TrimSpace(enc) == "" {
			return nil
		}
		v, err := secretbox.Decrypt(enc)
		if err != nil {
			return fmt.Errorf("config: decrypt %s: %w", name, err)
		}
		*plain = v
		return nil
	}
	if err := resolve(&c.Server.AuthToken, c.Server.AuthTokenEnc, "server.auth_token_enc"); err != nil {
		return err
	}
	if err := resolve(&c.Storage.Postgres.DSN, c.Storage.Postgres.DSNEnc, "storage.postgres.dsn_enc"); err != nil {
		return err
	}
	if err := resolve(&c.Backend.Agent.Token, c.Backend.Agent.TokenEnc, "backend.agent.token_enc"); err != nil {
		return err
	}
	return resolve(&c.SMTP.Password, c.SMTP.PasswordEnc, "smtp.password_enc")
}

// Validate chequea valores críticos: driver conocido, duraciones parseables,
// y coherencia backend/agent.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "fs", "postgres", "redis":
	default:
		return fmt.Errorf("config: storage.driver %q desconocido (fs|postgres|redis)", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && strings.TrimSpace(c.Storage.Postgres.DSN) == "" {
		return fmt.Errorf("config: storage.driver=postgres requiere storage.postgres.dsn")
	}
	if c.Storage.Driver == "redis" && strings.TrimSpace(c.Storage.Redis.Addr) == "" {
		return fmt.Errorf("config: storage.driver=redis requiere storage.redis.addr")
	}

	switch c.Backend.Default {
	case "engine":
	case "agent":
		if !c.Backend.Agent.Enabled {
			return fmt.Errorf("config: backend.default=agent requiere backend.agent.enabled=true")
		}
	default:
		return fmt.Errorf("config: backend.default %q desconocido (engine|agent)", c.Backend.Default)
	}
	if c.Backend.Agent.Enabled &&
		strings.TrimSpace(c.Backend.Agent.BaseURL) == "" && strings.TrimSpace(c.Backend.Agent.Socket) == "" {
		return fmt.Errorf("config: agent habilitado sin base_url ni socket")
	}

	// validate string durations
	for name, s := range map[string]string{
		"storage.postgres.conn_max_lifetime": c.Storage.Postgres.ConnMaxLifetime,
		"backend.agent.timeout":              c.Backend.Agent.Timeout,
		"passcache.ttl":                      c.PassCache.TTL,
	} {
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

// Duration parsea una duración ya validada; el fallback cubre campos vacíos.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Summary retorna la config efectiva con los secretos enmascarados, para
// loguear en el arranque.
func (c *Config) Summary() string {
	mask := func(s string) string {
		if s == "" {
			return "NOT_SET"
		}
		return "***masked***"
	}
	return fmt.Sprintf(`CONFIG:
  app.env=%s
  server.addr=%s cors=%v auth_token=%s

  storage.driver=%s fs.root=%s
  postgres(dsn=%s, max=%d, min=%d, lifetime=%s)
  redis(addr=%s, db=%d, prefix=%s)

  backend.default=%s
  agent(enabled=%t, base_url=%s, socket=%s, token=%s, timeout=%s)

  passcache.ttl=%s
  smtp(host=%s, port=%d, user=%s, from=%s, tls=%s, insecure=%t, password=%s)
  email(send_backups=%t)
  metrics.enabled=%t flags.migrate=%t log.level=%s
`,
		c.App.Env,
		c.Server.Addr, c.Server.CORSAllowedOrigins, mask(c.Server.AuthToken),
		c.Storage.Driver, c.Storage.FS.Root,
		mask(c.Storage.Postgres.DSN), c.Storage.Postgres.MaxConns, c.Storage.Postgres.MinConns, c.Storage.Postgres.ConnMaxLifetime,
		c.Storage.Redis.Addr, c.Storage.Redis.DB, c.Storage.Redis.Prefix,
		c.Backend.Default,
		c.Backend.Agent.Enabled, c.Backend.Agent.BaseURL, c.Backend.Agent.Socket, mask(c.Backend.Agent.Token), c.Backend.Agent.Timeout,
		c.PassCache.TTL,
		c.SMTP.Host, c.SMTP.Port, c.SMTP.Username, c.SMTP.From, c.SMTP.TLS, c.SMTP.InsecureSkipVerify, mask(c.SMTP.Password),
		c.Email.SendBackups,
		c.Metrics.Enabled, c.Flags.Migrate, c.Log.Level,
	)
}
