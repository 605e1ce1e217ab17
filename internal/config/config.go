package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vrischmann/envconfig"
)

const (
	LockBackendNone  = "none"
	LockBackendEtcd  = "etcd"
	LockBackendRedis = "redis"
)

type Config struct {
	LoggerLevel string `envconfig:"LOGGER_LEVEL,default=info"`
	LogFormat   string `envconfig:"LOG_FORMAT,default=console"`

	AccessKeyID     string `envconfig:"AWS_ACCESS_KEY_ID,optional"`
	SecretAccessKey string `envconfig:"AWS_SECRET_ACCESS_KEY,optional"`
	OpsWorksRegion  string `envconfig:"OPSWORKS_REGION,default=us-east-1"`
	Region          string `envconfig:"AWS_REGION,default=us-east-1"`

	DeployTimeout time.Duration `envconfig:"DEPLOY_TIMEOUT,default=30m"`
	LBWaitTimeout time.Duration `envconfig:"LB_WAIT_TIMEOUT,default=10m"`
	PollInterval  time.Duration `envconfig:"POLL_INTERVAL,default=15s"`

	LockBackend     string        `envconfig:"LOCK_BACKEND,default=none"`
	LockName        string        `envconfig:"LOCK_NAME,default=deploy"`
	LockWaitTimeout time.Duration `envconfig:"LOCK_WAIT_TIMEOUT,default=600s"`
	LockTTL         time.Duration `envconfig:"LOCK_TTL,default=30s"`

	EtcdEndpoints []string `envconfig:"ETCD_ENDPOINTS,optional"`

	RedisAddr     string `envconfig:"REDIS_ADDR,optional"`
	RedisPassword string `envconfig:"REDIS_PASSWORD,optional"`
	RedisDB       int    `envconfig:"REDIS_DB,default=0"`

	HistoryDSN string `envconfig:"HISTORY_DSN,optional"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS,optional"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC,default=rolling-deployer.events"`

	StatsdAddr     string `envconfig:"STATSD_ADDR,optional"`
	PushgatewayURL string `envconfig:"PUSHGATEWAY_URL,optional"`
}

func Load() (Config, error) {
	cfg := Config{}
	err := envconfig.Init(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read app config: %w", err)
	}
	cfg.LockBackend = strings.ToLower(cfg.LockBackend)
	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LockingEnabled reports whether runs are serialized through a lock store.
func (c Config) LockingEnabled() bool {
	return c.LockBackend != LockBackendNone
}

func (c Config) StaticCredentials() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

func (c Config) Validate() error {
	switch c.LockBackend {
	case LockBackendNone:
	case LockBackendEtcd:
		if len(c.EtcdEndpoints) == 0 {
			return fmt.Errorf("lock backend %s requires ETCD_ENDPOINTS", c.LockBackend)
		}
	case LockBackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("lock backend %s requires REDIS_ADDR", c.LockBackend)
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.LockBackend)
	}
	if c.LockingEnabled() && c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive, got %s", c.LockTTL)
	}
	if c.DeployTimeout <= 0 || c.LBWaitTimeout <= 0 || c.LockWaitTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func LoggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.WarnLevel
}
