package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
bus:
  brokers: ["kafka:9092"]
user_api:
  url: "http://users.internal/api/users"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 3333, cfg.Server.Port)
	assert.Equal(t, 30.0, cfg.Job.VariancePercent)
	assert.Equal(t, "StratumJob", cfg.Bus.StratumJobTopic)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("STRATUM_USER_API_URL", "http://env.internal/api/users")
	path := writeConfig(t, `
bus:
  brokers: ["kafka:9092"]
user_api:
  url: "${STRATUM_USER_API_URL}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://env.internal/api/users", cfg.UserAPI.URL)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsMissingBrokers(t *testing.T) {
	cfg := &Config{}
	cfg.UserAPI.URL = "http://users.internal"
	applyDefaults(cfg)
	cfg.UserAPI.URL = "http://users.internal"

	err := validate(cfg)
	assert.ErrorContains(t, err, "bus.brokers")
}

func TestValidateRejectsMissingUserAPIURL(t *testing.T) {
	cfg := &Config{}
	cfg.Bus.Brokers = []string{"kafka:9092"}
	applyDefaults(cfg)
	cfg.Bus.Brokers = []string{"kafka:9092"}

	err := validate(cfg)
	assert.ErrorContains(t, err, "user_api.url")
}

func TestValidateRejectsNotifyIntervalNotLessThanLifetime(t *testing.T) {
	cfg := &Config{}
	cfg.Bus.Brokers = []string{"kafka:9092"}
	cfg.UserAPI.URL = "http://users.internal"
	applyDefaults(cfg)
	cfg.Job.NotifyInterval = cfg.Job.MaxJobsLifetime

	err := validate(cfg)
	assert.ErrorContains(t, err, "notify_interval")
}

func TestValidateRejectsTLSEnabledWithoutCertFiles(t *testing.T) {
	cfg := &Config{}
	cfg.Bus.Brokers = []string{"kafka:9092"}
	cfg.UserAPI.URL = "http://users.internal"
	applyDefaults(cfg)
	cfg.Server.TLS.Enabled = true

	err := validate(cfg)
	assert.ErrorContains(t, err, "cert_file")
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	cfg := &Config{}
	cfg.Bus.Brokers = []string{"kafka:9092"}
	cfg.UserAPI.URL = "http://users.internal"
	applyDefaults(cfg)
	cfg.Server.Port = 70000

	err := validate(cfg)
	assert.ErrorContains(t, err, "invalid server port")
}
