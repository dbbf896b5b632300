// Package config decodes the proxy-service configuration from viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"proxy-service/pkg/block"
	"proxy-service/pkg/directory"
	"proxy-service/pkg/models"
	"proxy-service/pkg/routing"
)

type Config struct {
	Directory Directory         `mapstructure:"directory"`
	Targets   map[string]Target `mapstructure:"targets"`
	Database  Database          `mapstructure:"database"`
}

type Directory struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
	// Timeout in seconds
	Timeout int `mapstructure:"timeout"`
	// outline-sdk transport config, empty for a direct connection
	Transport string `mapstructure:"transport"`
	// RateLimit in requests per second, 0 means unlimited
	RateLimit float64 `mapstructure:"rate_limit"`
}

type Target struct {
	Strategy         string         `mapstructure:"strategy"`
	Filters          models.Filters `mapstructure:"filters"`
	MaxRetries       int            `mapstructure:"max_retries"`
	BlockStatuses    []int          `mapstructure:"block_statuses"`
	StickyExclusions bool           `mapstructure:"sticky_exclusions"`
}

type Database struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// SetDefaults registers every known key so environment variables can override
// keys missing from the config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("directory.url", "")
	v.SetDefault("directory.api_key", "")
	v.SetDefault("directory.timeout", int(directory.DefaultTimeout/time.Second))
	v.SetDefault("directory.transport", "")
	v.SetDefault("directory.rate_limit", 0)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "proxy_service")
	v.SetDefault("database.sslmode", "disable")
}

// Load decodes and validates the configuration held by v.
// Target names are lower-cased by viper.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Directory.URL == "" {
		errs = append(errs, errors.New("directory.url is required"))
	} else if u, err := url.Parse(c.Directory.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("directory.url %q is not an absolute URL", c.Directory.URL))
	}
	if c.Directory.Timeout < 0 {
		errs = append(errs, fmt.Errorf("directory.timeout must not be negative"))
	}
	if c.Directory.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("directory.rate_limit must not be negative"))
	}

	for name, t := range c.Targets {
		if t.Filters.Len < 0 {
			errs = append(errs, fmt.Errorf("targets.%s.filters.len must not be negative", name))
		}
		for _, status := range t.BlockStatuses {
			if status < 100 || status > 599 {
				errs = append(errs, fmt.Errorf("targets.%s.block_statuses: invalid status %d", name, status))
			}
		}
	}

	if c.Database.Enabled && c.Database.User == "" {
		errs = append(errs, errors.New("database.user is required when the database is enabled"))
	}

	return errors.Join(errs...)
}

// Target returns the configuration of a named target.
func (c *Config) Target(name string) (Target, bool) {
	t, ok := c.Targets[name]
	return t, ok
}

func (d Directory) ClientConfig() directory.Config {
	return directory.Config{
		BaseURL:   d.URL,
		APIKey:    d.APIKey,
		Timeout:   time.Duration(d.Timeout) * time.Second,
		Transport: d.Transport,
		RateLimit: d.RateLimit,
	}
}

func (t Target) RoutingConfig() routing.TargetConfig {
	cfg := routing.TargetConfig{
		Strategy:         models.Strategy(t.Strategy),
		Filters:          t.Filters,
		MaxRetries:       t.MaxRetries,
		StickyExclusions: t.StickyExclusions,
	}
	if len(t.BlockStatuses) > 0 {
		cfg.Predicate = block.StatusPredicate(t.BlockStatuses)
	}
	return cfg
}

func (d Database) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.DBName,
		RawQuery: url.Values{"sslmode": {d.SSLMode}}.Encode(),
	}
	return u.String()
}
