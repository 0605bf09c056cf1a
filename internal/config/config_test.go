package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/and161185/adminguard/internal/crypto"
	"github.com/and161185/adminguard/internal/errs"
	"github.com/and161185/adminguard/internal/limiter"
)

func testReference(t *testing.T, secret string) string {
	t.Helper()
	v, err := crypto.NewVerifier(crypto.Options{Memory: 8 * 1024, Time: 1, Threads: 1})
	require.NoError(t, err)
	ref, err := v.ComputeReference(secret)
	require.NoError(t, err)
	return ref.String()
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "adminguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	c, err := Load(NewViper(""))
	require.NoError(t, err)

	assert.Equal(t, "admin", c.Admin.Username)
	assert.Equal(t, limiter.DefaultConfig(), c.LimiterConfig())
	assert.Equal(t, BackendMemory, c.Limiter.Backend)
	assert.Equal(t, limiter.DefaultShards, c.Limiter.Shards)
	assert.Equal(t, time.Minute, c.Limiter.SweepInterval)
	assert.Equal(t, crypto.DefaultOptions().Memory, c.Hash.Memory)
	assert.True(t, c.Hash.AllowBcrypt)

	_, err = c.Reference()
	assert.ErrorIs(t, err, errs.ErrConfiguration, "no credential configured")
}

func TestLoad_File(t *testing.T) {
	ref := testReference(t, "s3cret")
	path := writeConfig(t, t.TempDir(), `
admin:
  username: root
  credential: "`+ref+`"
limiter:
  max_attempts: 5
  window: 10m
  backend: redis
redis:
  addr: cache:6379
  prefix: guard
hash:
  memory: 8192
  time: 1
  threads: 2
log:
  level: debug
`)

	c, err := Load(NewViper(path))
	require.NoError(t, err)

	assert.Equal(t, "root", c.Admin.Username)
	assert.Equal(t, limiter.Config{MaxAttempts: 5, Window: 10 * time.Minute}, c.LimiterConfig())
	assert.Equal(t, BackendRedis, c.Limiter.Backend)
	assert.Equal(t, "cache:6379", c.Redis.Addr)
	assert.Equal(t, "guard", c.Redis.Prefix)
	assert.Equal(t, uint8(2), c.Hash.Threads)

	got, err := c.Reference()
	require.NoError(t, err)
	assert.Equal(t, ref, got.String())

	v, err := c.Verifier()
	require.NoError(t, err)
	ok, err := v.Verify("s3cret", got)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	ref := testReference(t, "from-env")

	t.Setenv("ADMINGUARD_LIMITER_WINDOW", "30m")
	t.Setenv("ADMINGUARD_LIMITER_MAX_ATTEMPTS", "4")
	t.Setenv("DEFAULT_ADMIN_USERNAME", "operator")
	t.Setenv("ADMINGUARD_ADMIN_CREDENTIAL", ref)

	c, err := Load(NewViper(""))
	require.NoError(t, err)
	assert.Equal(t, limiter.Config{MaxAttempts: 4, Window: 30 * time.Minute}, c.LimiterConfig())
	assert.Equal(t, "operator", c.Admin.Username)
	assert.Equal(t, ref, c.Admin.Credential)

	t.Setenv("ADMINGUARD_ADMIN_USERNAME", "preferred")
	c, err = Load(NewViper(""))
	require.NoError(t, err)
	assert.Equal(t, "preferred", c.Admin.Username)
}

func TestLoad_LegacyEnvironment(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ADMINGUARD_HASH_MEMORY", "8192")
	t.Setenv("ADMINGUARD_HASH_TIME", "1")
	t.Setenv("DEFAULT_ADMIN_USERNAME", "admin")
	t.Setenv("DEFAULT_ADMIN_PASSWORD", "s3cret-admin")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("BCRYPT_ROUNDS", "10")

	c, err := Load(NewViper(""))
	require.NoError(t, err)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "admin", c.Admin.Username)
	assert.Equal(t, 10, c.Hash.BcryptCost)
	assert.Equal(t, 10, c.VerifierOptions().BcryptCost)

	ref, err := c.Reference()
	require.NoError(t, err)
	assert.Equal(t, crypto.AlgArgon2id, ref.Algorithm())
	assert.Empty(t, c.Admin.Password, "bootstrap secret is dropped once hashed")

	v, err := c.Verifier()
	require.NoError(t, err)
	ok, err := v.Verify("s3cret-admin", ref)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = v.Verify("admin123", ref)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Reference()
	assert.ErrorIs(t, err, errs.ErrConfiguration, "password is consumed by the first call")
}

func TestLoad_LevelNames(t *testing.T) {
	for in, want := range map[string]string{
		"WARNING":  "warn",
		"CRITICAL": "fatal",
		" Info ":   "info",
		"ERROR":    "error",
	} {
		t.Run(in, func(t *testing.T) {
			chdir(t, t.TempDir())
			t.Setenv("LOG_LEVEL", in)
			c, err := Load(NewViper(""))
			require.NoError(t, err)
			assert.Equal(t, want, c.Log.Level)
		})
	}
}

func TestConfig_Reference_CredentialWinsOverPassword(t *testing.T) {
	ref := testReference(t, "from-credential")
	var c Config
	c.Admin.Credential = ref
	c.Admin.Password = "from-password"

	got, err := c.Reference()
	require.NoError(t, err)
	assert.Equal(t, ref, got.String())
	assert.Empty(t, c.Admin.Password)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(NewViper(filepath.Join(t.TempDir(), "absent.yaml")))
	require.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero attempts", "limiter:\n  max_attempts: 0\n"},
		{"negative window", "limiter:\n  window: -1m\n"},
		{"unknown backend", "limiter:\n  backend: etcd\n"},
		{"postgres without dsn", "limiter:\n  backend: postgres\n"},
		{"empty username", "admin:\n  username: \"  \"\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"negative sweep", "limiter:\n  sweep_interval: -5s\n"},
		{"bcrypt cost too low", "hash:\n  bcrypt_cost: 3\n"},
		{"bcrypt cost too high", "hash:\n  bcrypt_cost: 32\n"},
		{"principal cap below username", "admin:\n  username: administrator\n  max_principal_len: 4\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			_, err := Load(NewViper(path))
			require.ErrorIs(t, err, errs.ErrConfiguration)
		})
	}
}

func TestConfig_Reference_Malformed(t *testing.T) {
	var c Config
	c.Admin.Credential = "plaintext-password"
	_, err := c.Reference()
	require.ErrorIs(t, err, errs.ErrConfiguration)
	require.ErrorIs(t, err, errs.ErrUnsupportedAlgorithm)
}

func TestConfig_Logger(t *testing.T) {
	var c Config
	c.Log.Level = "warn"
	l, err := c.Logger()
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	c.Log.Level = "nope"
	_, err = c.Logger()
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestConfig_Logger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	chdir(t, t.TempDir())
	t.Setenv("LOG_FILE", path)

	c, err := Load(NewViper(""))
	require.NoError(t, err)
	assert.Equal(t, path, c.Log.File)

	l, err := c.Logger()
	require.NoError(t, err)
	l.Info("login succeeded", zap.String("principal", "admin"))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "login succeeded")
}

func TestOpenLimiter_Memory(t *testing.T) {
	chdir(t, t.TempDir())
	c, err := Load(NewViper(""))
	require.NoError(t, err)

	l, closeFn, err := c.OpenLimiter(context.Background())
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &limiter.Memory{}, l)
}

func TestOpenLimiter_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	path := writeConfig(t, t.TempDir(), "limiter:\n  backend: redis\nredis:\n  addr: "+mr.Addr()+"\n  prefix: cfg\n")
	c, err := Load(NewViper(path))
	require.NoError(t, err)

	ctx := context.Background()
	l, closeFn, err := c.OpenLimiter(ctx)
	require.NoError(t, err)
	defer closeFn()
	require.IsType(t, &limiter.Redis{}, l)

	_, err = l.Failure(ctx, "admin")
	require.NoError(t, err)
	assert.True(t, mr.Exists("cfg:fail:admin"))
}

func TestOpenLimiter_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	path := writeConfig(t, t.TempDir(), "limiter:\n  backend: redis\nredis:\n  addr: "+addr+"\n")
	c, err := Load(NewViper(path))
	require.NoError(t, err)

	_, closeFn, err := c.OpenLimiter(context.Background())
	require.ErrorIs(t, err, errs.ErrLedgerUnavailable)
	closeFn()
}

type fakeRefresher struct {
	refs []*crypto.Reference
}

func (f *fakeRefresher) Refresh(ref *crypto.Reference) error {
	f.refs = append(f.refs, ref)
	return nil
}

func TestReloadHandler(t *testing.T) {
	dir := t.TempDir()
	first := testReference(t, "first")
	path := writeConfig(t, dir, "admin:\n  credential: \""+first+"\"\n")

	v := NewViper(path)
	_, err := Load(v)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.InfoLevel)
	r := &fakeRefresher{}
	handle := ReloadHandler(v, r, zap.New(core))

	second := testReference(t, "second")
	writeConfig(t, dir, "admin:\n  credential: \""+second+"\"\n")
	require.NoError(t, v.ReadInConfig())
	handle(fsnotify.Event{Name: path, Op: fsnotify.Write})

	require.Len(t, r.refs, 1)
	assert.Equal(t, second, r.refs[0].String())
	assert.Equal(t, 1, logs.FilterMessage("config reloaded").Len())

	writeConfig(t, dir, "admin:\n  credential: \"$md5$nope\"\n")
	require.NoError(t, v.ReadInConfig())
	handle(fsnotify.Event{Name: path, Op: fsnotify.Write})

	assert.Len(t, r.refs, 1, "a bad reference must not replace the current one")
	assert.Equal(t, 1, logs.FilterMessage("config reload: bad admin.credential, keeping current reference").Len())
}
