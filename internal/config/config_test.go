package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "licensehub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// TestLoad tests the Load function with various scenarios
func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		file        string
		wantErr     string
		validateCfg func(*testing.T, *Config)
	}{
		{
			name: "defaults with secret from env",
			env:  map[string]string{"LICENSEHUB_TOKEN_SECRET": testSecret},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
				assert.Equal(t, time.Hour, cfg.Token.TTL)
				assert.Equal(t, StorageMemory, cfg.Storage.Driver)
				assert.Equal(t, 24*time.Hour, cfg.Fraud.Window)
				assert.Equal(t, 30, cfg.Fraud.FlagScore)
				assert.Equal(t, 70, cfg.Fraud.BlockScore)
				assert.Equal(t, 7*24*time.Hour, cfg.License.GracePeriod)
				assert.True(t, cfg.Security.RateLimit.Enabled)
			},
		},
		{
			name:    "missing secret",
			wantErr: "token secret",
		},
		{
			name: "file values applied",
			file: `
server:
  port: 9090
storage:
  driver: sqlite
  dsn: /tmp/lh.db
fraud:
  block_score: 80
token:
  secret: ` + testSecret + `
`,
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, StorageSQLite, cfg.Storage.Driver)
				assert.Equal(t, 80, cfg.Fraud.BlockScore)
				// untouched sections keep defaults
				assert.Equal(t, 30, cfg.Fraud.FlagScore)
			},
		},
		{
			name: "env overrides file",
			env: map[string]string{
				"LICENSEHUB_SERVER_PORT":       "7070",
				"LICENSEHUB_FRAUD_WINDOW":      "90m",
				"LICENSEHUB_REDIS_ENABLED":     "true",
				"LICENSEHUB_REDIS_URL":         "redis://localhost:6379/0",
				"LICENSEHUB_LICENSE_GRACE_PERIOD": "72h",
			},
			file: "server:\n  port: 9090\ntoken:\n  secret: " + testSecret + "\n",
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 7070, cfg.Server.Port)
				assert.Equal(t, 90*time.Minute, cfg.Fraud.Window)
				assert.True(t, cfg.Redis.Enabled)
				assert.Equal(t, 72*time.Hour, cfg.License.GracePeriod)
			},
		},
		{
			name:    "unknown yaml field",
			file:    "server:\n  prot: 1\n",
			wantErr: "failed to load config from file",
		},
		{
			name: "inverted fraud scores",
			env: map[string]string{
				"LICENSEHUB_TOKEN_SECRET":     testSecret,
				"LICENSEHUB_FRAUD_FLAG_SCORE": "70",
				"LICENSEHUB_FRAUD_BLOCK_SCORE": "30",
			},
			wantErr: "fraud scores",
		},
		{
			name: "unknown driver",
			env: map[string]string{
				"LICENSEHUB_TOKEN_SECRET":   testSecret,
				"LICENSEHUB_STORAGE_DRIVER": "postgres",
			},
			wantErr: "unknown storage driver",
		},
		{
			name: "sqlite without dsn",
			env: map[string]string{
				"LICENSEHUB_TOKEN_SECRET":   testSecret,
				"LICENSEHUB_STORAGE_DRIVER": "sqlite",
			},
			wantErr: "requires a dsn",
		},
		{
			name: "redis without url",
			env: map[string]string{
				"LICENSEHUB_TOKEN_SECRET":  testSecret,
				"LICENSEHUB_REDIS_ENABLED": "true",
			},
			wantErr: "redis enabled without url",
		},
		{
			name: "bad port",
			env: map[string]string{
				"LICENSEHUB_TOKEN_SECRET": testSecret,
				"LICENSEHUB_SERVER_PORT":  "70000",
			},
			wantErr: "invalid server port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// keep a stray file in the working directory out of the test
			t.Setenv("LICENSEHUB_CONFIG_FILE", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := ""
			if tt.file != "" {
				path = writeConfigFile(t, tt.file)
			}

			cfg, err := Load(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.validateCfg(t, cfg)
		})
	}
}

func TestLoad_ConfigFileFromEnv(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 6060\ntoken:\n  secret: "+testSecret+"\n")
	t.Setenv("LICENSEHUB_CONFIG_FILE", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Storage.Driver = "bolt"

	err := cfg.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid server port")
	assert.Contains(t, err.Error(), "token secret")
	assert.Contains(t, err.Error(), "unknown storage driver")
}

func TestServerConfig_Addr(t *testing.T) {
	assert.Equal(t, ":8080", Default().Server.Addr())
	assert.Equal(t, "127.0.0.1:9000", ServerConfig{Host: "127.0.0.1", Port: 9000}.Addr())
}
