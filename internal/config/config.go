package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "CANVAS"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "canvas.db"
	defaultLogLevel             = "info"
	defaultLogFormat            = "json"
	defaultCookieName           = "app_session"
	defaultIssuer               = "collabcanvas"
	defaultCanvasWidth          = 10000
	defaultCanvasHeight         = 10000
	defaultCanvasID             = "default-canvas"
	defaultThrottleMilliseconds = 33
	defaultLockTTLSeconds       = 300
	defaultSweepSeconds         = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	LogFormat          string
	AuthSigningSecret  string
	AuthIssuer         string
	AuthCookieName     string
	AllowedOrigins     []string
	CanvasWidth        float64
	CanvasHeight       float64
	DefaultCanvasID    string
	ThrottleInterval   time.Duration
	LockTTL            time.Duration
	JanitorSweepPeriod time.Duration
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("canvas.width", defaultCanvasWidth)
	configViper.SetDefault("canvas.height", defaultCanvasHeight)
	configViper.SetDefault("canvas.default_id", defaultCanvasID)
	configViper.SetDefault("realtime.throttle_ms", defaultThrottleMilliseconds)
	configViper.SetDefault("realtime.lock_ttl_seconds", defaultLockTTLSeconds)
	configViper.SetDefault("realtime.sweep_interval_seconds", defaultSweepSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:         configViper.GetString("auth.issuer"),
		AuthCookieName:     configViper.GetString("auth.cookie_name"),
		AllowedOrigins:     configViper.GetStringSlice("http.allowed_origins"),
		CanvasWidth:        configViper.GetFloat64("canvas.width"),
		CanvasHeight:       configViper.GetFloat64("canvas.height"),
		DefaultCanvasID:    configViper.GetString("canvas.default_id"),
		ThrottleInterval:   time.Duration(configViper.GetInt("realtime.throttle_ms")) * time.Millisecond,
		LockTTL:            time.Duration(configViper.GetInt("realtime.lock_ttl_seconds")) * time.Second,
		JanitorSweepPeriod: time.Duration(configViper.GetInt("realtime.sweep_interval_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.CanvasWidth <= 0 || c.CanvasHeight <= 0 {
		return fmt.Errorf("canvas.width and canvas.height must be positive")
	}
	if strings.TrimSpace(c.DefaultCanvasID) == "" {
		return fmt.Errorf("canvas.default_id is required")
	}
	if c.ThrottleInterval < 0 {
		return fmt.Errorf("realtime.throttle_ms must not be negative")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("realtime.lock_ttl_seconds must be positive")
	}
	if c.JanitorSweepPeriod <= 0 {
		return fmt.Errorf("realtime.sweep_interval_seconds must be positive")
	}
	return nil
}
