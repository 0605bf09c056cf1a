// Package config loads the guard configuration with viper and assembles the
// verifier, credential reference and attempt ledger it describes.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/and161185/adminguard/internal/crypto"
	"github.com/and161185/adminguard/internal/errs"
	"github.com/and161185/adminguard/internal/limiter"
	"github.com/and161185/adminguard/internal/service"
)

// EnvPrefix is the prefix of environment overrides (ADMINGUARD_LIMITER_WINDOW, ...).
const EnvPrefix = "ADMINGUARD"

// Ledger backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the full guard configuration.
type Config struct {
	Admin struct {
		Username   string `mapstructure:"username"`
		Credential string `mapstructure:"credential"`
		// Password is a plaintext bootstrap secret, hashed once by Reference
		// when no credential is configured.
		Password        string `mapstructure:"password"`
		MaxPrincipalLen int    `mapstructure:"max_principal_len"`
	} `mapstructure:"admin"`

	Limiter struct {
		MaxAttempts   int           `mapstructure:"max_attempts"`
		Window        time.Duration `mapstructure:"window"`
		Backend       string        `mapstructure:"backend"`
		Shards        int           `mapstructure:"shards"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"limiter"`

	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"postgres"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Prefix   string `mapstructure:"prefix"`
	} `mapstructure:"redis"`

	Hash struct {
		Memory       uint32 `mapstructure:"memory"`
		Time         uint32 `mapstructure:"time"`
		Threads      uint8  `mapstructure:"threads"`
		MaxSecretLen int    `mapstructure:"max_secret_len"`
		AllowBcrypt  bool   `mapstructure:"allow_bcrypt"`
		BcryptCost   int    `mapstructure:"bcrypt_cost"`
	} `mapstructure:"hash"`

	Log struct {
		Level       string `mapstructure:"level"`
		File        string `mapstructure:"file"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// Defaults returns every known key with its default value.
func Defaults() map[string]any {
	def := crypto.DefaultOptions()
	return map[string]any{
		"admin.username":          "admin",
		"admin.credential":        "",
		"admin.password":          "",
		"admin.max_principal_len": service.DefaultMaxPrincipalLen,
		"limiter.max_attempts":    limiter.DefaultMaxAttempts,
		"limiter.window":          limiter.DefaultWindow,
		"limiter.backend":         BackendMemory,
		"limiter.shards":          limiter.DefaultShards,
		"limiter.sweep_interval":  time.Minute,
		"postgres.dsn":            "",
		"redis.addr":              "localhost:6379",
		"redis.password":          "",
		"redis.db":                0,
		"redis.prefix":            "adminguard",
		"hash.memory":             def.Memory,
		"hash.time":               def.Time,
		"hash.threads":            def.Threads,
		"hash.max_secret_len":     def.MaxSecretLen,
		"hash.allow_bcrypt":       def.AllowBcrypt,
		"hash.bcrypt_cost":        def.BcryptCost,
		"log.level":               "info",
		"log.file":                "",
		"log.development":         false,
	}
}

// NewViper returns a viper instance with defaults and environment bindings.
// file may be empty, in which case adminguard.yaml is searched in the working
// directory and /etc/adminguard.
func NewViper(file string) *viper.Viper {
	v := viper.New()
	for k, val := range Defaults() {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Variables understood by earlier deployments of the admin login.
	_ = v.BindEnv("admin.username", EnvPrefix+"_ADMIN_USERNAME", "DEFAULT_ADMIN_USERNAME")
	_ = v.BindEnv("admin.password", EnvPrefix+"_ADMIN_PASSWORD", "DEFAULT_ADMIN_PASSWORD")
	_ = v.BindEnv("hash.bcrypt_cost", EnvPrefix+"_HASH_BCRYPT_COST", "BCRYPT_ROUNDS")
	_ = v.BindEnv("log.level", EnvPrefix+"_LOG_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("log.file", EnvPrefix+"_LOG_FILE", "LOG_FILE")

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("adminguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/adminguard")
	}
	return v
}

// Load reads the config file (a missing file is fine when none was named
// explicitly), applies environment overrides and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) || v.ConfigFileUsed() != "" {
			return nil, fmt.Errorf("%w: read config: %v", errs.ErrConfiguration, err)
		}
	}
	return Decode(v)
}

// Decode unmarshals and validates the current viper state without touching the file.
func Decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: decode config: %v", errs.ErrConfiguration, err)
	}
	c.Log.Level = normalizeLevel(c.Log.Level)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the values that can be checked without building anything.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Admin.Username) == "" {
		return fmt.Errorf("%w: admin.username is empty", errs.ErrConfiguration)
	}
	if err := c.LimiterConfig().Validate(); err != nil {
		return err
	}
	switch c.Limiter.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("%w: postgres backend requires postgres.dsn", errs.ErrConfiguration)
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: redis backend requires redis.addr", errs.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown limiter.backend %q", errs.ErrConfiguration, c.Limiter.Backend)
	}
	if c.Limiter.SweepInterval < 0 {
		return fmt.Errorf("%w: negative limiter.sweep_interval", errs.ErrConfiguration)
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", errs.ErrConfiguration, err)
	}
	if c.Admin.MaxPrincipalLen < len(c.Admin.Username) {
		return fmt.Errorf("%w: admin.max_principal_len %d is shorter than admin.username", errs.ErrConfiguration, c.Admin.MaxPrincipalLen)
	}
	if c.Hash.BcryptCost < bcrypt.MinCost || c.Hash.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("%w: hash.bcrypt_cost %d outside [%d, %d]", errs.ErrConfiguration, c.Hash.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return nil
}

// normalizeLevel maps level names used by earlier deployments (WARNING,
// CRITICAL) onto zap levels. Case is ignored.
func normalizeLevel(level string) string {
	switch l := strings.ToLower(strings.TrimSpace(level)); l {
	case "warning":
		return "warn"
	case "critical":
		return "fatal"
	default:
		return l
	}
}

// LimiterConfig returns the sliding window parameters.
func (c *Config) LimiterConfig() limiter.Config {
	return limiter.Config{MaxAttempts: c.Limiter.MaxAttempts, Window: c.Limiter.Window}
}

// VerifierOptions returns the hashing parameters.
func (c *Config) VerifierOptions() crypto.Options {
	return crypto.Options{
		Memory:       c.Hash.Memory,
		Time:         c.Hash.Time,
		Threads:      c.Hash.Threads,
		MaxSecretLen: c.Hash.MaxSecretLen,
		AllowBcrypt:  c.Hash.AllowBcrypt,
		BcryptCost:   c.Hash.BcryptCost,
	}
}

// Verifier builds the credential verifier.
func (c *Config) Verifier() (*crypto.Verifier, error) {
	return crypto.NewVerifier(c.VerifierOptions())
}

// Reference parses admin.credential. Without one, the admin.password bootstrap
// secret is hashed with the configured verifier and dropped from c. Neither
// being set, or a malformed reference, is a configuration error.
func (c *Config) Reference() (*crypto.Reference, error) {
	if c.Admin.Credential != "" {
		c.Admin.Password = ""
		return crypto.ParseReference(c.Admin.Credential)
	}
	if c.Admin.Password == "" {
		return nil, fmt.Errorf("%w: neither admin.credential nor admin.password is set", errs.ErrConfiguration)
	}

	v, err := c.Verifier()
	if err != nil {
		return nil, err
	}
	ref, err := v.ComputeReference(c.Admin.Password)
	c.Admin.Password = ""
	if err != nil {
		return nil, fmt.Errorf("%w: admin.password: %v", errs.ErrConfiguration, err)
	}
	return ref, nil
}

// Logger builds the zap logger described by the log section.
func (c *Config) Logger() (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log.level: %v", errs.ErrConfiguration, err)
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = lvl
	if c.Log.File != "" {
		zc.OutputPaths = append(zc.OutputPaths, c.Log.File)
	}
	return zc.Build()
}

// OpenLimiter connects the configured ledger. The returned close func releases
// its connections and is never nil.
func (c *Config) OpenLimiter(ctx context.Context, opts ...limiter.Option) (limiter.Limiter, func(), error) {
	lc := c.LimiterConfig()
	switch c.Limiter.Backend {
	case BackendPostgres:
		pool, err := pgxpool.New(ctx, c.Postgres.DSN)
		if err != nil {
			return nil, func() {}, fmt.Errorf("%w: %v", errs.ErrLedgerUnavailable, err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, func() {}, fmt.Errorf("%w: %v", errs.ErrLedgerUnavailable, err)
		}
		l, err := limiter.NewPG(pool, lc, opts...)
		if err != nil {
			pool.Close()
			return nil, func() {}, err
		}
		return l, pool.Close, nil

	case BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		closeFn := func() { _ = rdb.Close() }
		if err := rdb.Ping(ctx).Err(); err != nil {
			closeFn()
			return nil, func() {}, fmt.Errorf("%w: %v", errs.ErrLedgerUnavailable, err)
		}
		l, err := limiter.NewRedis(rdb, lc, append(opts, limiter.WithKeyPrefix(c.Redis.Prefix))...)
		if err != nil {
			closeFn()
			return nil, func() {}, err
		}
		return l, closeFn, nil

	default:
		l, err := limiter.NewMemory(lc, append(opts, limiter.WithShards(c.Limiter.Shards))...)
		if err != nil {
			return nil, func() {}, err
		}
		return l, func() {}, nil
	}
}

// Refresher accepts a new credential reference.
type Refresher interface {
	Refresh(ref *crypto.Reference) error
}

// ReloadHandler returns a viper OnConfigChange callback that re-parses
// admin.credential and hands it to r. A bad reference is logged and the
// current one stays in place. Other keys need a restart.
func ReloadHandler(v *viper.Viper, r Refresher, log *zap.Logger) func(fsnotify.Event) {
	if log == nil {
		log = zap.NewNop()
	}
	return func(e fsnotify.Event) {
		log := log.With(zap.String("file", e.Name), zap.Stringer("op", e.Op))
		c, err := Decode(v)
		if err != nil {
			log.Error("config reload rejected", zap.Error(err))
			return
		}
		ref, err := c.Reference()
		if err != nil {
			log.Error("config reload: bad admin.credential, keeping current reference", zap.Error(err))
			return
		}
		if err := r.Refresh(ref); err != nil {
			log.Error("config reload: refresh failed", zap.Error(err))
			return
		}
		log.Info("config reloaded")
	}
}

// Watch installs ReloadHandler and starts watching the config file.
func Watch(v *viper.Viper, r Refresher, log *zap.Logger) {
	v.OnConfigChange(ReloadHandler(v, r, log))
	v.WatchConfig()
}
