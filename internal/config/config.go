package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
)

const (
	envPrefix            = "PROJECTSYNC"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "projectsync.db"
	defaultLogLevel      = "info"
	defaultLogFormat     = "json"
	defaultCookieName    = "projectsync_session"
	defaultTokenTTL      = 12 * time.Hour
	defaultTransport     = TransportMemory
	defaultRetryAttempts = 5
	defaultRetryMaxDelay = 30 * time.Second
	defaultRetryFactor   = 2.0
	defaultRetryJitter   = time.Second
	defaultPurgeDelay    = 2 * time.Second
	defaultCacheTTL      = 5 * time.Minute
	defaultClientBaseURL = "http://localhost:8080"
	defaultDebugAddress  = "127.0.0.1:8081"
)

// ServerConfig captures runtime configuration for the API server.
type ServerConfig struct {
	HTTPAddress    string
	DatabasePath   string
	SigningSecret  string
	CookieName     string
	TokenTTL       time.Duration
	Transport      string
	RedisURL       string
	AllowedOrigins []string
	Log            LogConfig
}

// ClientConfig captures runtime configuration for the syncing client commands.
type ClientConfig struct {
	BaseURL     string
	RealtimeURL string
	AccessToken string
	Retry       RetryConfig
	PurgeDelay  time.Duration
	CacheTTL    time.Duration
	Debug       DebugConfig
	Log         LogConfig
}

type LogConfig struct {
	Level  string
	Format string
}

// RetryConfig bounds realtime resubscription.
type RetryConfig struct {
	MaxAttempts int
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      time.Duration
}

// DebugConfig controls the development-only inspection endpoint.
type DebugConfig struct {
	Enabled bool
	Address string
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
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("realtime.transport", defaultTransport)
	configViper.SetDefault("realtime.retry.max_attempts", defaultRetryAttempts)
	configViper.SetDefault("realtime.retry.max_delay", defaultRetryMaxDelay)
	configViper.SetDefault("realtime.retry.multiplier", defaultRetryFactor)
	configViper.SetDefault("realtime.retry.jitter", defaultRetryJitter)
	configViper.SetDefault("realtime.purge_delay", defaultPurgeDelay)
	configViper.SetDefault("store.cache_ttl", defaultCacheTTL)
	configViper.SetDefault("client.base_url", defaultClientBaseURL)
	configViper.SetDefault("debug.enabled", false)
	configViper.SetDefault("debug.address", defaultDebugAddress)
}

// LoadServer parses server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		CookieName:     configViper.GetString("auth.cookie_name"),
		TokenTTL:       configViper.GetDuration("auth.token_ttl"),
		Transport:      strings.ToLower(strings.TrimSpace(configViper.GetString("realtime.transport"))),
		RedisURL:       configViper.GetString("redis.url"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		Log:            loadLog(configViper),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

// LoadSigning parses only what minting a session token needs.
func LoadSigning(configViper *viper.Viper) (secret string, cookieName string, ttl time.Duration, err error) {
	secret = configViper.GetString("auth.signing_secret")
	if strings.TrimSpace(secret) == "" {
		return "", "", 0, fmt.Errorf("auth.signing_secret is required")
	}
	return secret, configViper.GetString("auth.cookie_name"), configViper.GetDuration("auth.token_ttl"), nil
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	baseURL := strings.TrimRight(configViper.GetString("client.base_url"), "/")
	realtimeURL := configViper.GetString("client.realtime_url")
	if realtimeURL == "" {
		realtimeURL = deriveRealtimeURL(baseURL)
	}
	cfg := ClientConfig{
		BaseURL:     baseURL,
		RealtimeURL: realtimeURL,
		AccessToken: configViper.GetString("client.access_token"),
		Retry: RetryConfig{
			MaxAttempts: configViper.GetInt("realtime.retry.max_attempts"),
			MaxDelay:    configViper.GetDuration("realtime.retry.max_delay"),
			Multiplier:  configViper.GetFloat64("realtime.retry.multiplier"),
			Jitter:      configViper.GetDuration("realtime.retry.jitter"),
		},
		PurgeDelay: configViper.GetDuration("realtime.purge_delay"),
		CacheTTL:   configViper.GetDuration("store.cache_ttl"),
		Debug: DebugConfig{
			Enabled: configViper.GetBool("debug.enabled"),
			Address: configViper.GetString("debug.address"),
		},
		Log: loadLog(configViper),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func loadLog(configViper *viper.Viper) LogConfig {
	return LogConfig{
		Level:  configViper.GetString("log.level"),
		Format: configViper.GetString("log.format"),
	}
}

// deriveRealtimeURL maps http(s)://host to ws(s)://host/realtime.
func deriveRealtimeURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/realtime"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/realtime"
	default:
		return ""
	}
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	switch c.Transport {
	case TransportMemory:
	case TransportRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("redis.url is required when realtime.transport is redis")
		}
	default:
		return fmt.Errorf("realtime.transport must be %q or %q, got %q", TransportMemory, TransportRedis, c.Transport)
	}
	return nil
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("client.base_url is required")
	}
	if strings.TrimSpace(c.RealtimeURL) == "" {
		return fmt.Errorf("client.realtime_url is required")
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return fmt.Errorf("client.access_token is required")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("realtime.retry.max_attempts must be positive")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("realtime.retry.multiplier must be at least 1")
	}
	if c.Debug.Enabled && strings.TrimSpace(c.Debug.Address) == "" {
		return fmt.Errorf("debug.address is required when debug.enabled is set")
	}
	return nil
}
