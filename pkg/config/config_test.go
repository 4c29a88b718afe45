package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waterloobae/samlproxy/pkg/observability"
)

func setMinimalEnv(t *testing.T) {
	t.Setenv("SAMLPROXY_IDP_METADATA_URL", "https://idp.example.edu/FederationMetadata/2007-06/FederationMetadata.xml")
	t.Setenv("SAMLPROXY_SP_CERT_FILE", "/etc/samlproxy/sp.crt")
	t.Setenv("SAMLPROXY_SP_KEY_FILE", "/etc/samlproxy/sp.key")
}

func TestLoadConfigDefaults(t *testing.T) {
	setMinimalEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, "http://localhost:8080", cfg.Server.BaseURL)
	assert.Equal(t, "http://localhost:8080", cfg.SAML.EntityID)
	assert.Equal(t, "http://localhost:8080/proxy", cfg.ProxyEntityID())

	assert.True(t, cfg.Proxy.Enabled)
	assert.Equal(t, ProxyModeBoth, cfg.Proxy.Mode)
	assert.Equal(t, time.Hour, cfg.Proxy.SessionLifetime)
	assert.Equal(t, time.Minute, cfg.Proxy.ClockSkew)
	assert.True(t, cfg.Proxy.SignAssertions)
	assert.Equal(t, "memory", cfg.Proxy.StoreType)

	assert.True(t, cfg.Metadata.CacheEnabled)
	assert.Equal(t, time.Hour, cfg.Metadata.CacheTTL)
	assert.Equal(t, 30*time.Second, cfg.Metadata.FetchTimeout)

	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
}

func TestLoadConfigOverrides(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("SAMLPROXY_BASE_URL", "https://sso.example.edu/")
	t.Setenv("SAMLPROXY_PROXY_MODE", "server")
	t.Setenv("SAMLPROXY_PROXY_SESSION_LIFETIME", "30m")
	t.Setenv("SAMLPROXY_CORRELATION_STORE", "redis")
	t.Setenv("SAMLPROXY_REDIS_URL", "localhost:6379")
	t.Setenv("SAMLPROXY_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "https://sso.example.edu", cfg.Server.BaseURL)
	assert.Equal(t, "https://sso.example.edu/proxy", cfg.ProxyEntityID())
	assert.Equal(t, ProxyModeServer, cfg.Proxy.Mode)
	assert.Equal(t, 30*time.Minute, cfg.Proxy.SessionLifetime)
	assert.Equal(t, "redis", cfg.Proxy.StoreType)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
}

func TestLoadConfigRequiresUpstream(t *testing.T) {
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream IdP")
}

func TestValidateRejectsBadProxyMode(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("SAMLPROXY_PROXY_MODE", "relay")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid proxy mode")
}

func TestValidateRedisStoreNeedsURL(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("SAMLPROXY_CORRELATION_STORE", "redis")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis URL is required")
}

func TestValidateSigningNeedsKeyMaterial(t *testing.T) {
	t.Setenv("SAMLPROXY_IDP_METADATA_URL", "https://idp.example.edu/metadata")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing certificate")
}

func TestValidateSamePortsRejected(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("SAMLPROXY_PORT", "8080")
	t.Setenv("SAMLPROXY_HEALTH_PORT", "8080")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be different")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, observability.DebugLevel, parseLogLevel("debug"))
	assert.Equal(t, observability.WarnLevel, parseLogLevel("WARNING"))
	assert.Equal(t, observability.ErrorLevel, parseLogLevel("error"))
	assert.Equal(t, observability.InfoLevel, parseLogLevel("bogus"))
}
