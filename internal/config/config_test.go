package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requiredEnv(t *testing.T) {
	t.Setenv("HISADMIN_AUTH_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("HISADMIN_AUDIT_CHAIN_SECRET", "chain")
}

func TestLoadDefaults(t *testing.T) {
	requiredEnv(t)
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.IdleTimeout)
	assert.Equal(t, 12*time.Hour, cfg.Sessions.AbsoluteTTL)
	assert.Equal(t, 5, cfg.Lockout.MaxAttempts)
	assert.Equal(t, int64(1<<20), cfg.HTTP.MaxBodyBytes)
	assert.Empty(t, cfg.Database.DSN)
	assert.Equal(t, "hisadmin:audit", cfg.Redis.AuditStream)
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("HISADMIN_AUTH_SECRET", "short")
	t.Setenv("HISADMIN_AUDIT_CHAIN_SECRET", "")
	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.secret")
	assert.Contains(t, err.Error(), "audit.chain_secret")
}

func TestPrecedenceFileEnvFlags(t *testing.T) {
	requiredEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "hisadmin.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":7000"
  cors_origins: ["https://admin.example"]
sessions:
  idle_timeout: 10m
lockout:
  max_attempts: 3
`), 0o600))
	t.Setenv("HISADMIN_LOCKOUT_MAX_ATTEMPTS", "7")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--http-addr", ":7100"}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, ":7100", cfg.HTTP.Addr, "flags win")
	assert.Equal(t, 7, cfg.Lockout.MaxAttempts, "env beats file")
	assert.Equal(t, 10*time.Minute, cfg.Sessions.IdleTimeout)
	assert.Equal(t, []string{"https://admin.example"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, ":9090", cfg.GRPC.Addr, "unset flags keep defaults")
}

func TestMissingConfigFile(t *testing.T) {
	requiredEnv(t)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}))
	_, err := Load(fs)
	assert.Error(t, err)
}
