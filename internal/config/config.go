package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime setting of the push backend. Each key can be
// set in the YAML file or as SHIFTPUSH_<SECTION>_<KEY> in the environment.
type Config struct {
	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"http"`
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
	Database struct {
		Driver string `mapstructure:"driver"`
		URL    string `mapstructure:"url"`
	} `mapstructure:"database"`
	Push struct {
		Provider       string        `mapstructure:"provider"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
		RouteByUser    bool          `mapstructure:"route_by_user"`
	} `mapstructure:"push"`
	Expo struct {
		BaseURL     string `mapstructure:"base_url"`
		AccessToken string `mapstructure:"access_token"`
	} `mapstructure:"expo"`
	OneSignal struct {
		BaseURL string `mapstructure:"base_url"`
		AppID   string `mapstructure:"app_id"`
		APIKey  string `mapstructure:"api_key"`
	} `mapstructure:"onesignal"`
	FCM struct {
		ProjectID       string `mapstructure:"project_id"`
		CredentialsPath string `mapstructure:"credentials_path"`
		CredentialsJSON string `mapstructure:"credentials_json"`
	} `mapstructure:"fcm"`
	Auth struct {
		Enabled   bool   `mapstructure:"enabled"`
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`
}

// Load reads the configuration file at path, if any, and overlays the
// environment. An empty path means environment and defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("shiftpush")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that have a closed set of values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite", "bolt":
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	switch c.Push.Provider {
	case "expo", "onesignal", "fcm":
	default:
		return fmt.Errorf("config: unknown push.provider %q", c.Push.Provider)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret is required when auth is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "60s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "./shiftpush.db")

	v.SetDefault("push.provider", "expo")
	v.SetDefault("push.request_timeout", "10s")
	v.SetDefault("push.route_by_user", false)

	v.SetDefault("expo.base_url", "https://exp.host")
	v.SetDefault("expo.access_token", "")

	v.SetDefault("onesignal.base_url", "https://onesignal.com/api/v1")
	v.SetDefault("onesignal.app_id", "")
	v.SetDefault("onesignal.api_key", "")

	v.SetDefault("fcm.project_id", "")
	v.SetDefault("fcm.credentials_path", "")
	v.SetDefault("fcm.credentials_json", "")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.jwt_secret", "")
}
