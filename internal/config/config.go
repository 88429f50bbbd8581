// Package config loads service configuration from defaults, an optional YAML
// file, HISADMIN_* environment variables and command-line flags, in that
// order of precedence (flags win).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. HISADMIN_HTTP_ADDR.
const EnvPrefix = "HISADMIN"

type Config struct {
	Service   string          `mapstructure:"service"`
	Log       LogConfig       `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Sessions  SessionConfig   `mapstructure:"sessions"`
	Lockout   LockoutConfig   `mapstructure:"lockout"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	RateBurst       int           `mapstructure:"rate_burst"`
	LoginPerMinute  float64       `mapstructure:"login_per_minute"`
	LoginBurst      int           `mapstructure:"login_burst"`
	TrustProxy      bool          `mapstructure:"trust_proxy"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig selects Postgres when DSN is set; otherwise the in-memory
// stores are used.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig selects the Redis session store and audit stream when Addr is set.
type RedisConfig struct {
	Addr             string        `mapstructure:"addr"`
	Password         string        `mapstructure:"password"`
	DB               int           `mapstructure:"db"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
	AuditStream      string        `mapstructure:"audit_stream"`
	StreamMaxLen     int64         `mapstructure:"stream_max_len"`
	SessionRetention time.Duration `mapstructure:"session_retention"`
}

type AuthConfig struct {
	Secret     string        `mapstructure:"secret"`
	Issuer     string        `mapstructure:"issuer"`
	AccessTTL  time.Duration `mapstructure:"access_ttl"`
	RefreshTTL time.Duration `mapstructure:"refresh_ttl"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	AbsoluteTTL   time.Duration `mapstructure:"absolute_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type LockoutConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Window      time.Duration `mapstructure:"window"`
}

type AuditConfig struct {
	ChainSecret   string        `mapstructure:"chain_secret"`
	RelayInterval time.Duration `mapstructure:"relay_interval"`
}

// DirectoryConfig enables the employee directory check when BaseURL is set.
type DirectoryConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

// BootstrapConfig creates the first administrator when Password is set and
// the account store is empty.
type BootstrapConfig struct {
	EmployeeID int64  `mapstructure:"employee_id"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service", "hisadmin-api")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 60*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("http.cors_origins", []string{})
	v.SetDefault("http.rate_per_second", 20.0)
	v.SetDefault("http.rate_burst", 40)
	v.SetDefault("http.login_per_minute", 10.0)
	v.SetDefault("http.login_burst", 5)
	v.SetDefault("http.trust_proxy", false)

	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", 15*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "hisadmin:")
	v.SetDefault("redis.audit_stream", "hisadmin:audit")
	v.SetDefault("redis.stream_max_len", 100000)
	v.SetDefault("redis.session_retention", 24*time.Hour)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "hisadmin")
	v.SetDefault("auth.access_ttl", 15*time.Minute)
	v.SetDefault("auth.refresh_ttl", 12*time.Hour)

	v.SetDefault("sessions.idle_timeout", 30*time.Minute)
	v.SetDefault("sessions.absolute_ttl", 12*time.Hour)
	v.SetDefault("sessions.sweep_interval", time.Minute)

	v.SetDefault("lockout.max_attempts", 5)
	v.SetDefault("lockout.window", 15*time.Minute)

	v.SetDefault("audit.chain_secret", "")
	v.SetDefault("audit.relay_interval", time.Second)

	v.SetDefault("directory.base_url", "")
	v.SetDefault("directory.token", "")
	v.SetDefault("directory.timeout", 3*time.Second)
	v.SetDefault("directory.retries", 2)

	v.SetDefault("bootstrap.employee_id", 1)
	v.SetDefault("bootstrap.username", "admin")
	v.SetDefault("bootstrap.password", "")
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"http-addr":    "http.addr",
	"grpc-addr":    "grpc.addr",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"database-dsn": "database.dsn",
	"redis-addr":   "redis.addr",
	"auto-migrate": "database.auto_migrate",
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("http-addr", ":8080", "HTTP listen address")
	fs.String("grpc-addr", ":9090", "gRPC health listen address")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "json", "log format (json or console)")
	fs.String("database-dsn", "", "PostgreSQL DSN; empty runs on in-memory stores")
	fs.String("redis-addr", "", "Redis address; empty keeps sessions in memory")
	fs.Bool("auto-migrate", false, "apply pending migrations on start")
}

// Load resolves the configuration. fs may be nil; only flags the user set
// override file and environment values.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings the server cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if len(strings.TrimSpace(c.Auth.Secret)) < 32 {
		errs = append(errs, errors.New("auth.secret must be at least 32 characters"))
	}
	if strings.TrimSpace(c.Audit.ChainSecret) == "" {
		errs = append(errs, errors.New("audit.chain_secret is required"))
	}
	if c.Lockout.MaxAttempts < 1 {
		errs = append(errs, errors.New("lockout.max_attempts must be positive"))
	}
	if c.Sessions.IdleTimeout <= 0 {
		errs = append(errs, errors.New("sessions.idle_timeout must be positive"))
	}
	if c.Sessions.AbsoluteTTL < 0 {
		errs = append(errs, errors.New("sessions.absolute_ttl cannot be negative"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.max_body_bytes must be positive"))
	}
	return errors.Join(errs...)
}
