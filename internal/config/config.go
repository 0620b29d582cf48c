package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the engine.
type Config struct {
	Environment string `mapstructure:"environment"`
	DB          struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Auth struct {
		Issuer        string `mapstructure:"issuer"`
		Audience      string `mapstructure:"audience"`
		DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	} `mapstructure:"auth"`
	Lock struct {
		Backend string        `mapstructure:"backend"`
		TTL     time.Duration `mapstructure:"ttl"`
	} `mapstructure:"lock"`
	Scheduler struct {
		PollInterval   time.Duration `mapstructure:"poll_interval"`
		BatchSize      int           `mapstructure:"batch_size"`
		Lease          time.Duration `mapstructure:"lease"`
		SuspendedRetry time.Duration `mapstructure:"suspended_retry"`
	} `mapstructure:"scheduler"`
	Engine struct {
		MaxSubWorkflowDepth int `mapstructure:"max_subworkflow_depth"`
		DefinitionCacheSize int `mapstructure:"definition_cache_size"`
	} `mapstructure:"engine"`
	External struct {
		Retry struct {
			MaxAttempts     int           `mapstructure:"max_attempts"`
			InitialInterval time.Duration `mapstructure:"initial_interval"`
			MaxInterval     time.Duration `mapstructure:"max_interval"`
			Multiplier      float64       `mapstructure:"multiplier"`
		} `mapstructure:"retry"`
		Breaker struct {
			MaxFailures uint32        `mapstructure:"max_failures"`
			OpenTimeout time.Duration `mapstructure:"open_timeout"`
		} `mapstructure:"breaker"`
		DedupTTL     time.Duration     `mapstructure:"dedup_ttl"`
		Integrations map[string]string `mapstructure:"integrations"`
	} `mapstructure:"external"`
	Agent struct {
		URL          string `mapstructure:"url"`
		TokenURL     string `mapstructure:"token_url"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
	} `mapstructure:"agent"`
	Audit struct {
		SQSQueueURL string `mapstructure:"sqs_queue_url"`
		Region      string `mapstructure:"region"`
		Buffer      int    `mapstructure:"buffer"`
	} `mapstructure:"audit"`
	DirectoryFile string `mapstructure:"directory_file"`
	Log           struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "DEV")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "workflow")
	v.SetDefault("db.name", "workflow")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("scheduler.poll_interval", 10*time.Second)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.lease", time.Minute)
	v.SetDefault("scheduler.suspended_retry", 5*time.Minute)
	v.SetDefault("engine.max_subworkflow_depth", 8)
	v.SetDefault("engine.definition_cache_size", 512)
	v.SetDefault("external.retry.max_attempts", 4)
	v.SetDefault("external.retry.initial_interval", 200*time.Millisecond)
	v.SetDefault("external.retry.max_interval", 5*time.Second)
	v.SetDefault("external.retry.multiplier", 2.0)
	v.SetDefault("external.breaker.max_failures", 5)
	v.SetDefault("external.breaker.open_timeout", 30*time.Second)
	v.SetDefault("external.dedup_ttl", 24*time.Hour)
	v.SetDefault("audit.buffer", 1024)
	v.SetDefault("log.level", "info")
}

// LoadConfig loads the configuration from a file and the environment.
// An empty path searches ./config.yaml and ./config/config.yaml; a missing
// file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("WF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	config.Auth.Issuer = normalizeIssuer(config.Auth.Issuer)

	return &config, nil
}

// DatabaseURL renders the pgx connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// MigrationURL renders the golang-migrate pgx5 URL.
func (c *Config) MigrationURL() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

// IsDev reports whether the engine runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Environment, "DEV")
}

// normalizeIssuer strips a trailing slash so pasted issuer URLs compare equal.
func normalizeIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
