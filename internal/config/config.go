package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "DRIFTBOARD"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "driftboard.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultTicketTTLMinutes  = 720
	defaultSweepIntervalSecs = 60
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	LogFormat         string
	JoinSigningSecret string
	JoinTicketTTL     time.Duration
	LockSweepInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("join.ticket_ttl_minutes", defaultTicketTTLMinutes)
	configViper.SetDefault("lock.sweep_interval_seconds", defaultSweepIntervalSecs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		JoinSigningSecret: configViper.GetString("join.signing_secret"),
		JoinTicketTTL:     time.Duration(configViper.GetInt("join.ticket_ttl_minutes")) * time.Minute,
		LockSweepInterval: time.Duration(configViper.GetInt("lock.sweep_interval_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.JoinSigningSecret) == "" {
		return fmt.Errorf("join.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.JoinTicketTTL <= 0 {
		return fmt.Errorf("join.ticket_ttl_minutes must be positive")
	}
	if c.LockSweepInterval <= 0 {
		return fmt.Errorf("lock.sweep_interval_seconds must be positive")
	}
	return nil
}
