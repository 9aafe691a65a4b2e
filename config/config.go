package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/upb/authz-gateway/utils"
)

// Directory backends
const (
	DirectoryBackendHTTP     = "http"
	DirectoryBackendPostgres = "postgres"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Auth          AuthConfig
	Authorizer    AuthorizerConfig
	Directory     DirectoryConfig
	Database      DatabaseConfig
	CORS          CORSConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int `validate:"min=1,max=65535"`
	BasePath        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration `validate:"gt=0"`
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// AuthConfig holds bearer token verification settings
type AuthConfig struct {
	JWKSURI           string        `validate:"required,url"`
	Audience          string        `validate:"required"`
	Issuer            string        `validate:"required"`
	RequestsPerMinute int           `validate:"gte=0"`
	CacheTTL          time.Duration `validate:"gt=0"`
	CacheMaxKeys      int           `validate:"gt=0"`
	MaxUnknownKids    int           `validate:"gt=0"`
	Timeout           time.Duration `validate:"gt=0"`
	Leeway            time.Duration `validate:"gte=0"`
}

// AuthorizerConfig holds policy decision point settings
type AuthorizerConfig struct {
	ServiceURL string `validate:"required,url"`
	PolicyID   string `validate:"required"`
	PolicyRoot string `validate:"required"`
	APIKey     string
	TenantID   string
	Timeout    time.Duration `validate:"gt=0"`
}

// DirectoryConfig holds user directory settings
type DirectoryConfig struct {
	Backend     string `validate:"oneof=http postgres"`
	ServiceURL  string `validate:"omitempty,url"`
	APIKey      string
	TenantID    string
	Timeout     time.Duration `validate:"gt=0"`
	WarmOnStart bool
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// CORSConfig holds cross-origin settings
type CORSConfig struct {
	AllowedOrigins []string
}

// ObservabilityConfig holds logging and metrics configuration
type ObservabilityConfig struct {
	LogLevel       string `validate:"required"`
	LogFormat      string // json or console
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			BasePath:        normalizeBasePath(getEnv("SERVER_BASE_PATH", "")),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			RequestTimeout:  getEnvAsDuration("REQUEST_TIMEOUT", 60*time.Second),
		},
		Auth: AuthConfig{
			JWKSURI:           getEnv("JWKS_URI", ""),
			Audience:          getEnv("AUDIENCE", ""),
			Issuer:            getEnv("ISSUER", ""),
			RequestsPerMinute: getEnvAsInt("JWKS_REQUESTS_PER_MINUTE", 5),
			CacheTTL:          getEnvAsDuration("JWKS_CACHE_TTL", 10*time.Minute),
			CacheMaxKeys:      getEnvAsInt("JWKS_CACHE_MAX_KEYS", 5),
			MaxUnknownKids:    getEnvAsInt("JWKS_MAX_UNKNOWN_KIDS", 1024),
			Timeout:           getEnvAsDuration("JWKS_TIMEOUT", 10*time.Second),
			Leeway:            getEnvAsDuration("TOKEN_LEEWAY", 0),
		},
		Authorizer: AuthorizerConfig{
			ServiceURL: getEnv("AUTHORIZER_SERVICE_URL", ""),
			PolicyID:   getEnv("POLICY_ID", ""),
			PolicyRoot: getEnv("POLICY_ROOT", ""),
			APIKey:     getEnv("AUTHORIZER_API_KEY", ""),
			TenantID:   getEnv("TENANT_ID", ""),
			Timeout:    getEnvAsDuration("AUTHORIZER_TIMEOUT", 5*time.Second),
		},
		Directory: DirectoryConfig{
			Backend:     strings.ToLower(getEnv("DIRECTORY_BACKEND", DirectoryBackendHTTP)),
			ServiceURL:  getEnv("DIRECTORY_SERVICE_URL", ""),
			APIKey:      getEnv("DIRECTORY_API_KEY", ""),
			TenantID:    getEnv("DIRECTORY_TENANT_ID", ""),
			Timeout:     getEnvAsDuration("DIRECTORY_TIMEOUT", 10*time.Second),
			WarmOnStart: getEnvAsBool("DIRECTORY_WARM_ON_START", true),
		},
		Database: loadDatabaseConfig(),
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}
	cfg.Server.TLS.Enabled = getEnvAsBool("TLS_ENABLED", false)
	cfg.Server.TLS.CertFile = getEnv("TLS_CERT_FILE", "certs/cert.pem")
	cfg.Server.TLS.KeyFile = getEnv("TLS_KEY_FILE", "certs/key.pem")

	// The directory service shares the authorizer's credentials unless overridden
	if cfg.Directory.ServiceURL == "" {
		cfg.Directory.ServiceURL = cfg.Authorizer.ServiceURL
	}
	if cfg.Directory.APIKey == "" {
		cfg.Directory.APIKey = cfg.Authorizer.APIKey
	}
	if cfg.Directory.TenantID == "" {
		cfg.Directory.TenantID = cfg.Authorizer.TenantID
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if err := utils.ValidateStruct(c); err != nil {
		return err
	}

	switch c.Directory.Backend {
	case DirectoryBackendHTTP:
		if c.Directory.ServiceURL == "" {
			return fmt.Errorf("directory service URL is required for the http directory backend")
		}
	case DirectoryBackendPostgres:
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	}

	if c.IsProduction() && c.Authorizer.APIKey == "" {
		return fmt.Errorf("authorizer API key is required in production")
	}

	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", ""),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", ""),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "directory"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// normalizeBasePath returns "" or a path with a leading and no trailing slash.
func normalizeBasePath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
