// Package config provides configuration loading and validation for the stratum core.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Job      JobConfig      `yaml:"job"`
	Bus      BusConfig      `yaml:"bus"`
	UserAPI  UserAPIConfig  `yaml:"user_api"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds TCP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	TLS            TLSConfig     `yaml:"tls"`
	Metrics        MetricsConfig `yaml:"metrics"`
}

// TLSConfig holds TLS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// JobConfig holds job-lifecycle settings (Repository, §4.2 of the spec).
type JobConfig struct {
	NotifyInterval    time.Duration `yaml:"notify_interval"`
	MaxJobsLifetime   time.Duration `yaml:"max_jobs_lifetime"`
	Extranonce1Size   int           `yaml:"extranonce1_size"`
	Extranonce2Size   int           `yaml:"extranonce2_size"`
	InitialDifficulty float64       `yaml:"initial_difficulty"`
	MinDifficulty     float64       `yaml:"min_difficulty"`
	MaxDifficulty     float64       `yaml:"max_difficulty"`
	TargetShareTime   time.Duration `yaml:"target_share_time"`
	RetargetTime      time.Duration `yaml:"retarget_time"`
	VariancePercent   float64       `yaml:"variance_percent"`
}

// BusConfig holds the message-bus (StratumJob/ShareLog/SolvedShare) settings.
type BusConfig struct {
	Brokers          []string      `yaml:"brokers"`
	StratumJobTopic  string        `yaml:"stratum_job_topic"`
	ShareLogTopic    string        `yaml:"share_log_topic"`
	SolvedShareTopic string        `yaml:"solved_share_topic"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
}

// UserAPIConfig holds the HTTP user-list endpoint settings (§4.5).
type UserAPIConfig struct {
	URL            string        `yaml:"url"`
	RefreshPeriod  time.Duration `yaml:"refresh_period"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"pool_size"`
	KeyPrefix string        `yaml:"key_prefix"`
	WorkerTTL time.Duration `yaml:"worker_ttl"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Database       string        `yaml:"database"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	MaxConnections int           `yaml:"max_connections"`
	MinConnections int           `yaml:"min_connections"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unset configuration options.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3333
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 10000
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 5 * time.Minute
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = time.Minute
	}
	if cfg.Server.Metrics.Port == 0 {
		cfg.Server.Metrics.Port = 9090
	}

	if cfg.Job.NotifyInterval == 0 {
		cfg.Job.NotifyInterval = 30 * time.Second
	}
	if cfg.Job.MaxJobsLifetime == 0 {
		cfg.Job.MaxJobsLifetime = 300 * time.Second
	}
	if cfg.Job.Extranonce1Size == 0 {
		cfg.Job.Extranonce1Size = 4
	}
	if cfg.Job.Extranonce2Size == 0 {
		cfg.Job.Extranonce2Size = 4
	}
	if cfg.Job.InitialDifficulty == 0 {
		cfg.Job.InitialDifficulty = 1.0
	}
	if cfg.Job.MinDifficulty == 0 {
		cfg.Job.MinDifficulty = 0.001
	}
	if cfg.Job.MaxDifficulty == 0 {
		cfg.Job.MaxDifficulty = 1000000.0
	}
	if cfg.Job.TargetShareTime == 0 {
		cfg.Job.TargetShareTime = 10 * time.Second
	}
	if cfg.Job.RetargetTime == 0 {
		cfg.Job.RetargetTime = 90 * time.Second
	}
	if cfg.Job.VariancePercent == 0 {
		cfg.Job.VariancePercent = 30
	}

	if cfg.Bus.StratumJobTopic == "" {
		cfg.Bus.StratumJobTopic = "StratumJob"
	}
	if cfg.Bus.ShareLogTopic == "" {
		cfg.Bus.ShareLogTopic = "ShareLog"
	}
	if cfg.Bus.SolvedShareTopic == "" {
		cfg.Bus.SolvedShareTopic = "SolvedShare"
	}
	if cfg.Bus.PollTimeout == 0 {
		cfg.Bus.PollTimeout = time.Second
	}

	if cfg.UserAPI.RefreshPeriod == 0 {
		cfg.UserAPI.RefreshPeriod = 10 * time.Second
	}
	if cfg.UserAPI.RequestTimeout == 0 {
		cfg.UserAPI.RequestTimeout = 10 * time.Second
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 100
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "stratum:"
	}
	if cfg.Redis.WorkerTTL == 0 {
		cfg.Redis.WorkerTTL = 5 * time.Minute
	}

	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MinConnections == 0 {
		cfg.Postgres.MinConnections = 10
	}
	if cfg.Postgres.ConnectTimeout == 0 {
		cfg.Postgres.ConnectTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

// validate checks the configuration for required fields and valid values.
func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("TLS enabled but cert_file not specified")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS enabled but key_file not specified")
		}
	}

	if cfg.Job.NotifyInterval >= cfg.Job.MaxJobsLifetime {
		return fmt.Errorf("job.notify_interval must be less than job.max_jobs_lifetime")
	}

	if cfg.Job.MinDifficulty > cfg.Job.MaxDifficulty {
		return fmt.Errorf("min_difficulty cannot be greater than max_difficulty")
	}

	if cfg.Job.Extranonce1Size < 1 || cfg.Job.Extranonce1Size > 8 {
		return fmt.Errorf("invalid extranonce1_size: %d", cfg.Job.Extranonce1Size)
	}

	if cfg.Job.Extranonce2Size < 1 || cfg.Job.Extranonce2Size > 8 {
		return fmt.Errorf("invalid extranonce2_size: %d", cfg.Job.Extranonce2Size)
	}

	if len(cfg.Bus.Brokers) == 0 {
		return fmt.Errorf("bus.brokers must contain at least one address")
	}

	if cfg.UserAPI.URL == "" {
		return fmt.Errorf("user_api.url must be set")
	}

	return nil
}
