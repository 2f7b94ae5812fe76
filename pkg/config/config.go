// Package config loads CLI/engine settings from file and environment.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	BackendURL     string `mapstructure:"backend_url"`
	LogLevel       string `mapstructure:"log_level"`
	WindowSize     int    `mapstructure:"window_size"`
	WindowOverscan int    `mapstructure:"window_overscan"`
	CacheSize      int    `mapstructure:"cache_size"`
	PageSize       int    `mapstructure:"page_size"`
}

// Load reads configuration from the given yaml file (optional) plus
// CHATSTREAM_* environment variables, falling back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("backend_url", "http://localhost:8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("window_size", 50)
	v.SetDefault("window_overscan", 8)
	v.SetDefault("cache_size", 64)
	v.SetDefault("page_size", 50)

	v.SetEnvPrefix("CHATSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
	} else {
		v.SetConfigName("chatstream")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/chatstream")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return cfg, nil
}
