// Package config loads client settings from flags, KEYNOTE_* environment
// variables and an optional ~/.keynote.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	APIBaseKey        = "api_base"
	RealtimeBaseKey   = "realtime_base"
	TokenKey          = "token"
	CookieDBKey       = "cookie_db"
	HealthIntervalKey = "health_interval"
	SweepIntervalKey  = "sweep_interval"

	EnvPrefix = "KEYNOTE"
	FileName  = ".keynote"
)

type Config struct {
	APIBase        string
	RealtimeBase   string
	Token          string
	CookieDB       string
	HealthInterval time.Duration
	SweepInterval  time.Duration
}

// SetDefaults registers the default for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(APIBaseKey, "http://localhost:5000")
	v.SetDefault(RealtimeBaseKey, "")
	v.SetDefault(TokenKey, "")
	v.SetDefault(CookieDBKey, defaultCookieDB())
	v.SetDefault(HealthIntervalKey, 30*time.Second)
	v.SetDefault(SweepIntervalKey, 10*time.Minute)
}

func defaultCookieDB() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data/cookies.db"
	}
	return filepath.Join(home, ".keynote", "cookies.db")
}

// Read wires environment lookup and reads the config file. An explicit
// file must exist; the default ~/.keynote.yaml is optional.
func Read(v *viper.Viper, file string) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		v.AddConfigPath(home)
		v.SetConfigType("yaml")
		v.SetConfigName(FileName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// FromViper resolves the settings. The realtime base defaults to
// <api_base>/realtime.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		APIBase:        strings.TrimSuffix(v.GetString(APIBaseKey), "/"),
		RealtimeBase:   strings.TrimSuffix(v.GetString(RealtimeBaseKey), "/"),
		Token:          v.GetString(TokenKey),
		CookieDB:       v.GetString(CookieDBKey),
		HealthInterval: v.GetDuration(HealthIntervalKey),
		SweepInterval:  v.GetDuration(SweepIntervalKey),
	}

	if cfg.APIBase == "" {
		return nil, fmt.Errorf("%s must be set", APIBaseKey)
	}
	if cfg.RealtimeBase == "" {
		cfg.RealtimeBase = cfg.APIBase + "/realtime"
	}
	if cfg.HealthInterval <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %v", HealthIntervalKey, cfg.HealthInterval)
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %v", SweepIntervalKey, cfg.SweepInterval)
	}
	return cfg, nil
}
