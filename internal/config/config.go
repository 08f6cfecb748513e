// Package config loads application configuration from file and environment.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jamesrodda/Questarr-sub000/internal/downloader"
)

// Config holds all application configuration.
type Config struct {
	Logging     LoggingConfig      `mapstructure:"logging"`
	Downloaders []DownloaderConfig `mapstructure:"downloaders"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Path   string `mapstructure:"path"`
}

// DownloaderConfig holds one download client entry.
type DownloaderConfig struct {
	ID              int64             `mapstructure:"id"`
	Name            string            `mapstructure:"name"`
	Type            string            `mapstructure:"type"`
	Enable          bool              `mapstructure:"enable"`
	Priority        int               `mapstructure:"priority"`
	Host            string            `mapstructure:"host"`
	Port            int               `mapstructure:"port"`
	UseSSL          bool              `mapstructure:"use_ssl"`
	URLBase         string            `mapstructure:"url_base"`
	Username        string            `mapstructure:"username"`
	Password        string            `mapstructure:"password"`
	APIKey          string            `mapstructure:"api_key"`
	Category        string            `mapstructure:"category"`
	DownloadDir     string            `mapstructure:"download_dir"`
	AddStopped      bool              `mapstructure:"add_stopped"`
	RemoveCompleted bool              `mapstructure:"remove_completed"`
	Settings        map[string]string `mapstructure:"settings"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
func Load(configPath string) (*Config, error) {
	// A local .env is convenient in development; absence is not an error.
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.questarr")
	}

	v.SetEnvPrefix("QUESTARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults + env vars
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	for i := range c.Downloaders {
		d := &c.Downloaders[i]
		if d.Name == "" {
			return fmt.Errorf("downloader %d: name must be set", i)
		}
		if d.Type != string(downloader.ClientTypeMock) && !downloader.IsClientTypeSupported(d.Type) {
			return fmt.Errorf("downloader %q: unsupported type %q", d.Name, d.Type)
		}
	}
	return nil
}

// Downloaders converts the configured entries into downloader records.
func (c *Config) DownloaderList() []downloader.Downloader {
	out := make([]downloader.Downloader, 0, len(c.Downloaders))
	for i, d := range c.Downloaders {
		id := d.ID
		if id == 0 {
			id = int64(i + 1)
		}
		out = append(out, downloader.Downloader{
			ID:              id,
			Name:            d.Name,
			Type:            downloader.ClientType(d.Type),
			Enable:          d.Enable,
			Priority:        d.Priority,
			Host:            d.Host,
			Port:            d.Port,
			UseSSL:          d.UseSSL,
			URLBase:         d.URLBase,
			Username:        d.Username,
			Password:        d.Password,
			APIKey:          d.APIKey,
			Category:        d.Category,
			DownloadDir:     d.DownloadDir,
			AddStopped:      d.AddStopped,
			RemoveCompleted: d.RemoveCompleted,
			Settings:        d.Settings,
		})
	}
	return out
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.path", "")
}
