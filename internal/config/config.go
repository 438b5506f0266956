// Package config loads the collector configuration with viper.
//
// Precedence, low to high: defaults, an optional YAML file, environment
// variables. The credential variables keep their historical names
// (API_GITHUB_TOKEN, DB_USER, DB_PASS, DB_HOST, DB_PORT, DB_NAME); every
// other key is read from TRACKER_<SECTION>_<KEY>.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLoadConfig    = errors.New("load config failed")
)

const envPrefix = "TRACKER"

type (
	GitHub struct {
		Token           string `mapstructure:"token"`
		APIURL          string `mapstructure:"api_url"`
		GraphQLURL      string `mapstructure:"graphql_url"`
		StarThreshold   int    `mapstructure:"star_threshold"`
		LeaderboardSize int    `mapstructure:"leaderboard_size"`
		PageSize        int    `mapstructure:"page_size"`
	}

	Database struct {
		User           string        `mapstructure:"user"`
		Password       string        `mapstructure:"password"`
		Host           string        `mapstructure:"host"`
		Port           int           `mapstructure:"port"`
		Name           string        `mapstructure:"name"`
		MaxConns       int32         `mapstructure:"max_conns"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	}

	Collect struct {
		// Concurrency caps parallel commit fetches; 0 starts one per repository.
		Concurrency  int    `mapstructure:"concurrency"`
		LookbackDays int    `mapstructure:"lookback_days"`
		RankingMatch string `mapstructure:"ranking_match"`
	}

	Metrics struct {
		PushgatewayURL string `mapstructure:"pushgateway_url"`
		Job            string `mapstructure:"job"`
	}

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	}
)

// Config is the full process configuration.
type Config struct {
	GitHub   GitHub   `mapstructure:"github"`
	Database Database `mapstructure:"db"`
	Collect  Collect  `mapstructure:"collect"`
	Metrics  Metrics  `mapstructure:"metrics"`
	Log      Log      `mapstructure:"log"`
}

// legacyEnv maps keys to the environment names the job has always used.
var legacyEnv = map[string]string{
	"github.token": "API_GITHUB_TOKEN",
	"db.user":      "DB_USER",
	"db.password":  "DB_PASS",
	"db.host":      "DB_HOST",
	"db.port":      "DB_PORT",
	"db.name":      "DB_NAME",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("github.token", "")
	v.SetDefault("github.api_url", "https://api.github.com/")
	v.SetDefault("github.graphql_url", "https://api.github.com/graphql")
	v.SetDefault("github.star_threshold", 10000)
	v.SetDefault("github.leaderboard_size", 100)
	v.SetDefault("github.page_size", 100)

	v.SetDefault("db.user", "")
	v.SetDefault("db.password", "")
	v.SetDefault("db.host", "")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.connect_timeout", 5*time.Second)

	v.SetDefault("collect.concurrency", 0)
	v.SetDefault("collect.lookback_days", 7)
	v.SetDefault("collect.ranking_match", "position")

	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "github_stars_tracker")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: failed to read config file: %w", ErrLoadConfig, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("%w: failed to bind %s: %w", ErrLoadConfig, env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %w", ErrLoadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	var problems []string
	if c.GitHub.Token == "" {
		problems = append(problems, "github token is required (API_GITHUB_TOKEN)")
	}
	if c.Database.Host == "" {
		problems = append(problems, "db host is required (DB_HOST)")
	}
	if c.Database.User == "" {
		problems = append(problems, "db user is required (DB_USER)")
	}
	if c.Database.Name == "" {
		problems = append(problems, "db name is required (DB_NAME)")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		problems = append(problems, fmt.Sprintf("db port %d is out of range", c.Database.Port))
	}
	if c.GitHub.LeaderboardSize < 1 || c.GitHub.LeaderboardSize > 100 {
		problems = append(problems, "github leaderboard_size must be within 1..100")
	}
	if c.GitHub.PageSize < 1 || c.GitHub.PageSize > 100 {
		problems = append(problems, "github page_size must be within 1..100")
	}
	if c.Collect.Concurrency < 0 {
		problems = append(problems, "collect concurrency must not be negative")
	}
	if c.Collect.LookbackDays < 0 {
		problems = append(problems, "collect lookback_days must not be negative")
	}
	if c.Collect.RankingMatch != "position" && c.Collect.RankingMatch != "name" {
		problems = append(problems, fmt.Sprintf("collect ranking_match %q must be position or name", c.Collect.RankingMatch))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// DSN builds a PostgreSQL connection URL from the database settings.
func (d Database) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Name,
	}
	return u.String()
}
