// Package config loads runtime settings for the cordkit binary from a YAML
// file, CORDKIT_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var ErrNoToken = errors.New("config: no token or token_file configured")

type Config struct {
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`

	*LogConfig     `mapstructure:"log"`
	*GatewayConfig `mapstructure:"gateway"`
	*RESTConfig    `mapstructure:"rest"`
	*MetricsConfig `mapstructure:"metrics"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type GatewayConfig struct {
	URL              string        `mapstructure:"url"`
	Shards           int           `mapstructure:"shards"`
	Intents          int64         `mapstructure:"intents"`
	Compress         bool          `mapstructure:"compress"`
	LargeThreshold   int           `mapstructure:"large_threshold"`
	IdentifyInterval time.Duration `mapstructure:"identify_interval"`
	MaxConcurrency   int           `mapstructure:"max_concurrency"`
	ShardStagger     time.Duration `mapstructure:"shard_stagger"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	CommandsPerMin   int           `mapstructure:"commands_per_minute"`
}

type RESTConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Transport   string        `mapstructure:"transport"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	MaxInFlight int           `mapstructure:"max_in_flight"`
	GlobalRate  float64       `mapstructure:"global_rate"`
	RetryBase   time.Duration `mapstructure:"retry_base"`
	RetryMax    time.Duration `mapstructure:"retry_max"`
	UserAgent   string        `mapstructure:"user_agent"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)

	v.SetDefault("gateway.url", "wss://gateway.discord.gg")
	v.SetDefault("gateway.shards", 1)
	v.SetDefault("gateway.intents", 513)
	v.SetDefault("gateway.compress", true)
	v.SetDefault("gateway.large_threshold", 250)
	v.SetDefault("gateway.identify_interval", 5*time.Second)
	v.SetDefault("gateway.max_concurrency", 1)
	v.SetDefault("gateway.shard_stagger", 500*time.Millisecond)
	v.SetDefault("gateway.backoff_base", time.Second)
	v.SetDefault("gateway.backoff_max", 2*time.Minute)
	v.SetDefault("gateway.commands_per_minute", 110)

	v.SetDefault("rest.base_url", "https://discord.com/api/v10")
	v.SetDefault("rest.transport", "nethttp")
	v.SetDefault("rest.timeout", 30*time.Second)
	v.SetDefault("rest.max_attempts", 5)
	v.SetDefault("rest.max_in_flight", 32)
	v.SetDefault("rest.global_rate", 50)
	v.SetDefault("rest.retry_base", 500*time.Millisecond)
	v.SetDefault("rest.retry_max", 10*time.Second)
	v.SetDefault("rest.user_agent", "DiscordBot (https://github.com/yonatandev1/cordkit, 1.0)")

	v.SetDefault("metrics.addr", "")
}

// Load reads path (or ./config.yaml when path is empty and the file exists)
// and applies environment overrides such as CORDKIT_REST_MAX_ATTEMPTS.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("cordkit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about.
	_ = v.BindEnv("token")
	_ = v.BindEnv("token_file")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	conf := new(Config)
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if conf.Token == "" && conf.TokenFile != "" {
		token, err := ReadToken(conf.TokenFile)
		if err != nil {
			return nil, err
		}
		conf.Token = token
	}
	if conf.Token == "" {
		return nil, ErrNoToken
	}
	return conf, nil
}

// ReadToken returns the trimmed contents of a token file.
func ReadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
