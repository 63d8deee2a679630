package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config holds the configuration for the application.
type Config struct {
	Server struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"server"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Redis struct {
		Addr      string `mapstructure:"addr"`
		Password  string `mapstructure:"password"`
		DB        int    `mapstructure:"db"`
		KeyPrefix string `mapstructure:"key_prefix"`
	} `mapstructure:"redis"`
	Store struct {
		Backend  string        `mapstructure:"backend"`
		LeaseTTL time.Duration `mapstructure:"lease_ttl"`
	} `mapstructure:"store"`
	SkillRegistry struct {
		URL          string        `mapstructure:"url"`
		Timeout      time.Duration `mapstructure:"timeout"`
		Compensation bool          `mapstructure:"compensation"`
	} `mapstructure:"skill_registry"`
	Governance struct {
		Enabled bool   `mapstructure:"enabled"`
		Rules   []Rule `mapstructure:"rules"`
	} `mapstructure:"governance"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Scheduler struct {
		Enabled      bool          `mapstructure:"enabled"`
		Timezone     string        `mapstructure:"timezone"`
		RunTimeout   time.Duration `mapstructure:"run_timeout"`
		TriggerFiles []string      `mapstructure:"trigger_files"`
	} `mapstructure:"scheduler"`
	Telemetry struct {
		OTLPEndpoint   string        `mapstructure:"otlp_endpoint"`
		Insecure       bool          `mapstructure:"insecure"`
		ExportInterval time.Duration `mapstructure:"export_interval"`
		Environment    string        `mapstructure:"environment"`
	} `mapstructure:"telemetry"`
}

// Rule grants an agent a set of skills. Agent "*" applies to every agent and
// skill "*" grants every skill.
type Rule struct {
	Agent  string   `mapstructure:"agent"`
	Skills []string `mapstructure:"skills"`
}

// AllowList folds the governance rules into agent id -> skill ids.
func (c *Config) AllowList() map[string][]string {
	allowed := make(map[string][]string, len(c.Governance.Rules))
	for _, r := range c.Governance.Rules {
		allowed[r.Agent] = append(allowed[r.Agent], r.Skills...)
	}
	return allowed
}

// DSN returns the Postgres connection string for the db section.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

// Location resolves the scheduler timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Scheduler.Timezone)
}

// LoadConfig loads the configuration from a file and the environment. An
// empty path searches for config.yaml in . and ./config; a missing file is
// not an error when searching.
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
	v.SetEnvPrefix("SKILLFLOW")
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

	config.SkillRegistry.URL = strings.TrimRight(strings.TrimSpace(config.SkillRegistry.URL), "/")
	config.Store.Backend = strings.ToLower(config.Store.Backend)
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "skillflow")
	v.SetDefault("db.name", "skillflow")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "skillflow")
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.lease_ttl", 2*time.Minute)
	v.SetDefault("skill_registry.url", "http://localhost:8090")
	v.SetDefault("skill_registry.timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.run_timeout", 30*time.Minute)
	v.SetDefault("telemetry.export_interval", 15*time.Second)
	v.SetDefault("telemetry.environment", "development")
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.LeaseTTL <= 0 {
		return errors.New("store.lease_ttl must be positive")
	}
	if c.SkillRegistry.URL == "" {
		return errors.New("skill_registry.url is required")
	}
	for i, r := range c.Governance.Rules {
		if r.Agent == "" {
			return fmt.Errorf("governance rule %d has no agent", i)
		}
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid scheduler timezone: %w", err)
	}
	if c.Telemetry.OTLPEndpoint != "" && c.Telemetry.ExportInterval <= 0 {
		return errors.New("telemetry.export_interval must be positive")
	}
	return nil
}
