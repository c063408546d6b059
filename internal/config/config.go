package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "PARLEY"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabaseDSN   = "parley.db"
	defaultLogLevel      = "info"
	defaultLogFormat     = "json"
	defaultCookieName    = "app_session"
	defaultIssuer        = "parley"
	defaultTokenTTL      = 30
	defaultCacheTTL      = 30
	defaultCacheSize     = 4096
	defaultRedisAddress  = "127.0.0.1:6379"
	defaultNATSSubject   = "parley.gateway"
	defaultGatewayBuffer = 64

	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
	CacheBackendMemory     = "memory"
	CacheBackendRedis      = "redis"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	SessionTokenTTL   time.Duration

	DatabaseDriver string
	DatabaseDSN    string

	LogLevel  string
	LogFormat string

	CacheBackend string
	CacheTTL     time.Duration
	CacheSize    int

	RedisAddress  string
	RedisPassword string
	RedisDB       int

	NATSURL     string
	NATSSubject string

	CORSAllowedOrigins []string
	GatewayBufferSize  int
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
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTL)
	configViper.SetDefault("database.driver", DatabaseDriverSQLite)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("cache.backend", CacheBackendMemory)
	configViper.SetDefault("cache.ttl_seconds", defaultCacheTTL)
	configViper.SetDefault("cache.size", defaultCacheSize)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("nats.subject", defaultNATSSubject)
	configViper.SetDefault("cors.allowed_origins", []string{})
	configViper.SetDefault("gateway.buffer_size", defaultGatewayBuffer)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		SessionSigningKey:  configViper.GetString("auth.signing_secret"),
		SessionIssuer:      configViper.GetString("auth.issuer"),
		SessionCookieName:  configViper.GetString("auth.cookie_name"),
		SessionTokenTTL:    time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		CacheBackend:       strings.ToLower(strings.TrimSpace(configViper.GetString("cache.backend"))),
		CacheTTL:           time.Duration(configViper.GetInt("cache.ttl_seconds")) * time.Second,
		CacheSize:          configViper.GetInt("cache.size"),
		RedisAddress:       configViper.GetString("redis.address"),
		RedisPassword:      configViper.GetString("redis.password"),
		RedisDB:            configViper.GetInt("redis.db"),
		NATSURL:            strings.TrimSpace(configViper.GetString("nats.url")),
		NATSSubject:        configViper.GetString("nats.subject"),
		CORSAllowedOrigins: splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
		GatewayBufferSize:  configViper.GetInt("gateway.buffer_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitOrigins accepts both list values and a comma-separated env string.
func splitOrigins(raw []string) []string {
	var origins []string
	for _, value := range raw {
		for _, part := range strings.Split(value, ",") {
			if origin := strings.TrimSpace(part); origin != "" {
				origins = append(origins, origin)
			}
		}
	}
	return origins
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.SessionTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite, DatabaseDriverPostgres:
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q is not supported", c.LogFormat)
	}
	switch c.CacheBackend {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for the redis cache backend")
		}
	default:
		return fmt.Errorf("cache.backend %q is not supported", c.CacheBackend)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be positive")
	}
	if c.NATSURL != "" && strings.TrimSpace(c.NATSSubject) == "" {
		return fmt.Errorf("nats.subject is required when nats.url is set")
	}
	if c.GatewayBufferSize <= 0 {
		return fmt.Errorf("gateway.buffer_size must be positive")
	}
	return nil
}
