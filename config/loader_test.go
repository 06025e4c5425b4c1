package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBase() *Config {
	cfg := Default()
	cfg.EncryptionKey = "test-key"
	cfg.Auth.JWTSecret = "jwt-secret"
	return cfg
}

func TestDefault_Values(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 60*time.Second, cfg.LLM.CallTimeout)
	assert.Equal(t, 1800*time.Second, cfg.Session.IdleEviction)
	assert.Equal(t, MaxHistoryHardCap, cfg.Session.MaxHistory)
	assert.Equal(t, 64, cfg.Bus.SubscriberBuffer)
}

func TestLoader_YAMLAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9999"
database:
  driver: postgres
  url: "host=db user=choir dbname=choir"
encryption_key: from-yaml
auth:
  jwt_secret: from-yaml
llm:
  call_timeout: 30s
`), 0o600))

	t.Setenv("CHOIR_SERVER_ADDR", ":7777")
	t.Setenv("CHOIR_LLM_CALL_TIMEOUT", "45s")
	t.Setenv("CHOIR_SESSION_MAX_HISTORY", "64")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	// 环境变量覆盖 YAML，YAML 覆盖默认值
	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, 45*time.Second, cfg.LLM.CallTimeout)
	assert.Equal(t, 64, cfg.Session.MaxHistory)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "from-yaml", cfg.EncryptionKey)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validBase().Validate())

	noKey := validBase()
	noKey.EncryptionKey = ""
	assert.Error(t, noKey.Validate())

	badDriver := validBase()
	badDriver.Database.Driver = "oracle"
	assert.Error(t, badDriver.Validate())

	badHistory := validBase()
	badHistory.Session.MaxHistory = MaxHistoryHardCap + 1
	assert.Error(t, badHistory.Validate())

	noSecret := validBase()
	noSecret.Auth.JWTSecret = ""
	assert.Error(t, noSecret.Validate())
}
