package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/waterloobae/samlproxy/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// SP/IdP identity of this service
	SAML SAMLConfig

	// Upstream identity provider
	Upstream UpstreamConfig

	// Metadata resolution
	Metadata MetadataConfig

	// Proxy brokering
	Proxy ProxyConfig

	// Policy file (attribute mapping, access control, clients)
	Policy PolicyFileConfig

	// Audit logging
	Audit AuditConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// BaseURL is the externally visible origin, used to derive entity
	// IDs and endpoint URLs embedded in SAML messages.
	BaseURL string

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// SAMLConfig holds the service's own SAML identity
type SAMLConfig struct {
	// EntityID defaults to BaseURL when empty. The proxy IdP role uses
	// EntityID + "/proxy".
	EntityID string

	CertificateFile string
	PrivateKeyFile  string

	NameIDFormat string

	// Direct (non-proxied) login session
	SessionCookieName string
	SessionLifetime   time.Duration
}

// UpstreamConfig holds the upstream identity provider endpoints
type UpstreamConfig struct {
	EntityID    string
	SSOURL      string
	SLSURL      string
	MetadataURL string

	// MetadataFile is the local fallback used when the metadata URL is
	// unreachable.
	MetadataFile string
}

// MetadataConfig holds metadata fetch and cache settings
type MetadataConfig struct {
	CacheEnabled    bool
	CacheTTL        time.Duration
	CacheSize       int
	FetchTimeout    time.Duration
	RefreshSchedule string
}

// ProxyMode selects which halves of the broker are active
const (
	ProxyModeServer = "server"
	ProxyModeClient = "client"
	ProxyModeBoth   = "both"
)

// ProxyConfig holds broker settings
type ProxyConfig struct {
	Enabled bool
	Mode    string

	// SessionLifetime bounds the validity window of issued assertions
	SessionLifetime time.Duration
	// ClockSkew is the tolerance applied before NotBefore
	ClockSkew time.Duration

	SignAssertions bool

	// AttributeFiltering restricts relayed claims to the policy's
	// exposed set
	AttributeFiltering bool

	// Correlation store
	CorrelationLifetime time.Duration
	StoreType           string // "memory" or "redis"
	RedisURL            string
	RedisPassword       string
	RedisDB             int
	SweepSchedule       string
}

// PolicyFileConfig locates the operator policy document
type PolicyFileConfig struct {
	Path  string
	Watch bool
}

// AuditConfig holds audit logging settings
type AuditConfig struct {
	Enabled     bool
	FilePath    string
	PostgresURL string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		SAML:          loadSAMLConfig(),
		Upstream:      loadUpstreamConfig(),
		Metadata:      loadMetadataConfig(),
		Proxy:         loadProxyConfig(),
		Policy:        loadPolicyFileConfig(),
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}

	if cfg.SAML.EntityID == "" {
		cfg.SAML.EntityID = cfg.Server.BaseURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("SAMLPROXY_HOST", "0.0.0.0"),
		Port:            getEnv("SAMLPROXY_PORT", "8080"),
		ReadTimeout:     getEnvDuration("SAMLPROXY_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("SAMLPROXY_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("SAMLPROXY_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SAMLPROXY_SHUTDOWN_TIMEOUT", 30*time.Second),
		BaseURL:         strings.TrimRight(getEnv("SAMLPROXY_BASE_URL", "http://localhost:8080"), "/"),
		HealthPort:      getEnv("SAMLPROXY_HEALTH_PORT", "9090"),
	}
}

// loadSAMLConfig loads the service identity from environment
func loadSAMLConfig() SAMLConfig {
	return SAMLConfig{
		EntityID:          getEnv("SAMLPROXY_SP_ENTITY_ID", ""),
		CertificateFile:   getEnv("SAMLPROXY_SP_CERT_FILE", ""),
		PrivateKeyFile:    getEnv("SAMLPROXY_SP_KEY_FILE", ""),
		NameIDFormat:      getEnv("SAMLPROXY_NAMEID_FORMAT", "urn:oasis:names:tc:SAML:1.1:nameid-format:unspecified"),
		SessionCookieName: getEnv("SAMLPROXY_SESSION_COOKIE", "samlproxy_session"),
		SessionLifetime:   getEnvDuration("SAMLPROXY_SESSION_LIFETIME", time.Hour),
	}
}

// loadUpstreamConfig loads the upstream IdP endpoints from environment
func loadUpstreamConfig() UpstreamConfig {
	return UpstreamConfig{
		EntityID:     getEnv("SAMLPROXY_IDP_ENTITY_ID", ""),
		SSOURL:       getEnv("SAMLPROXY_IDP_SSO_URL", ""),
		SLSURL:       getEnv("SAMLPROXY_IDP_SLS_URL", ""),
		MetadataURL:  getEnv("SAMLPROXY_IDP_METADATA_URL", ""),
		MetadataFile: getEnv("SAMLPROXY_IDP_METADATA_FILE", ""),
	}
}

// loadMetadataConfig loads metadata cache settings from environment
func loadMetadataConfig() MetadataConfig {
	return MetadataConfig{
		CacheEnabled:    getEnvBool("SAMLPROXY_METADATA_CACHE", true),
		CacheTTL:        getEnvDuration("SAMLPROXY_METADATA_CACHE_TTL", time.Hour),
		CacheSize:       getEnvInt("SAMLPROXY_METADATA_CACHE_SIZE", 16),
		FetchTimeout:    getEnvDuration("SAMLPROXY_METADATA_TIMEOUT", 30*time.Second),
		RefreshSchedule: getEnv("SAMLPROXY_METADATA_REFRESH_SCHEDULE", "@hourly"),
	}
}

// loadProxyConfig loads broker settings from environment
func loadProxyConfig() ProxyConfig {
	return ProxyConfig{
		Enabled:             getEnvBool("SAMLPROXY_PROXY_ENABLED", true),
		Mode:                getEnv("SAMLPROXY_PROXY_MODE", ProxyModeBoth),
		SessionLifetime:     getEnvDuration("SAMLPROXY_PROXY_SESSION_LIFETIME", time.Hour),
		ClockSkew:           getEnvDuration("SAMLPROXY_PROXY_CLOCK_SKEW", time.Minute),
		SignAssertions:      getEnvBool("SAMLPROXY_PROXY_SIGN_ASSERTIONS", true),
		AttributeFiltering:  getEnvBool("SAMLPROXY_PROXY_FILTER_ATTRIBUTES", true),
		CorrelationLifetime: getEnvDuration("SAMLPROXY_CORRELATION_LIFETIME", time.Hour),
		StoreType:           getEnv("SAMLPROXY_CORRELATION_STORE", "memory"),
		RedisURL:            getEnv("SAMLPROXY_REDIS_URL", ""),
		RedisPassword:       getEnv("SAMLPROXY_REDIS_PASSWORD", ""),
		RedisDB:             getEnvInt("SAMLPROXY_REDIS_DB", 0),
		SweepSchedule:       getEnv("SAMLPROXY_CORRELATION_SWEEP_SCHEDULE", "@every 5m"),
	}
}

// loadPolicyFileConfig loads the policy file location from environment
func loadPolicyFileConfig() PolicyFileConfig {
	return PolicyFileConfig{
		Path:  getEnv("SAMLPROXY_POLICY_FILE", ""),
		Watch: getEnvBool("SAMLPROXY_POLICY_WATCH", true),
	}
}

// loadAuditConfig loads audit settings from environment
func loadAuditConfig() AuditConfig {
	return AuditConfig{
		Enabled:     getEnvBool("SAMLPROXY_AUDIT_ENABLED", true),
		FilePath:    getEnv("SAMLPROXY_AUDIT_FILE", ""),
		PostgresURL: getEnv("SAMLPROXY_AUDIT_POSTGRES_URL", ""),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("SAMLPROXY_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("SAMLPROXY_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("SAMLPROXY_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("SAMLPROXY_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("SAMLPROXY_OTEL_SERVICE_NAME", "samlproxy"),
		OTelServiceVersion: getEnv("SAMLPROXY_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("SAMLPROXY_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}

	// The upstream must be reachable somehow: metadata URL, a local
	// metadata file, or explicit endpoint configuration.
	if c.Upstream.MetadataURL == "" && c.Upstream.MetadataFile == "" && c.Upstream.SSOURL == "" {
		return fmt.Errorf("upstream IdP requires a metadata URL, a metadata file, or an SSO URL")
	}

	if c.Proxy.Enabled {
		switch c.Proxy.Mode {
		case ProxyModeServer, ProxyModeClient, ProxyModeBoth:
		default:
			return fmt.Errorf("invalid proxy mode: %s (must be server, client, or both)", c.Proxy.Mode)
		}

		switch c.Proxy.StoreType {
		case "memory":
		case "redis":
			if c.Proxy.RedisURL == "" {
				return fmt.Errorf("redis URL is required for redis correlation store")
			}
		default:
			return fmt.Errorf("invalid correlation store type: %s (must be memory or redis)", c.Proxy.StoreType)
		}

		if c.Proxy.SessionLifetime <= 0 {
			return fmt.Errorf("proxy session lifetime must be positive")
		}
		if c.Proxy.ClockSkew < 0 {
			return fmt.Errorf("proxy clock skew must not be negative")
		}

		// Issuing signed assertions needs key material.
		if c.Proxy.SignAssertions && (c.Proxy.Mode == ProxyModeServer || c.Proxy.Mode == ProxyModeBoth) {
			if c.SAML.CertificateFile == "" || c.SAML.PrivateKeyFile == "" {
				return fmt.Errorf("signing certificate and private key are required to issue assertions")
			}
		}
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// ProxyEntityID returns the entity ID of the proxy's IdP role
func (c *Config) ProxyEntityID() string {
	return c.SAML.EntityID + "/proxy"
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
