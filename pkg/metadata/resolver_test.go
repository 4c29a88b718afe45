package metadata

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waterloobae/samlproxy/pkg/observability"
)

const sampleMetadata = `<?xml version="1.0"?>
<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="https://idp.example.edu">
  <IDPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
    <KeyDescriptor use="signing">
      <KeyInfo xmlns="http://www.w3.org/2000/09/xmldsig#">
        <X509Data>
          <X509Certificate>
            MIICsigningCERT
          </X509Certificate>
        </X509Data>
      </KeyInfo>
    </KeyDescriptor>
    <KeyDescriptor use="encryption">
      <KeyInfo xmlns="http://www.w3.org/2000/09/xmldsig#">
        <X509Data>
          <X509Certificate>MIICencryptionCERT</X509Certificate>
        </X509Data>
      </KeyInfo>
    </KeyDescriptor>
    <SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" Location="https://idp.example.edu/adfs/ls/"/>
  </IDPSSODescriptor>
</EntityDescriptor>`

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func newResolver(opts Options) *Resolver {
	return NewResolver(opts, testLogger(), nil)
}

func TestResolveFetchesAndCaches(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(sampleMetadata))
	}))
	defer server.Close()

	resolver := newResolver(Options{CacheEnabled: true, CacheTTL: time.Hour})
	ctx := context.Background()

	doc, err := resolver.Resolve(ctx, server.URL)
	require.NoError(t, err)
	assert.Contains(t, string(doc), "IDPSSODescriptor")

	_, err = resolver.Resolve(ctx, server.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestResolveCacheDisabledRefetches(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(sampleMetadata))
	}))
	defer server.Close()

	resolver := newResolver(Options{CacheEnabled: false})
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, server.URL)
	require.NoError(t, err)
	_, err = resolver.Resolve(ctx, server.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestResolveFallsBackToFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	fallback := filepath.Join(t.TempDir(), "idp.xml")
	require.NoError(t, os.WriteFile(fallback, []byte(sampleMetadata), 0o600))

	resolver := newResolver(Options{FallbackFile: fallback})

	doc, err := resolver.Resolve(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Contains(t, string(doc), "https://idp.example.edu")
}

func TestResolveUnavailableWhenAllSourcesFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	resolver := newResolver(Options{FallbackFile: filepath.Join(t.TempDir(), "absent.xml")})

	_, err := resolver.Resolve(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestResolveNoFallbackConfigured(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	resolver := newResolver(Options{})
	_, err := resolver.Resolve(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestResolveRejectsMalformedXML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<EntityDescriptor><unclosed></EntityDescriptor>`))
	}))
	defer server.Close()

	resolver := newResolver(Options{})
	_, err := resolver.Resolve(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRefreshUpdatesCache(t *testing.T) {
	var serving atomic.Value
	serving.Store(sampleMetadata)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(serving.Load().(string)))
	}))
	defer server.Close()

	resolver := newResolver(Options{CacheEnabled: true, CacheTTL: time.Hour})
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, server.URL)
	require.NoError(t, err)

	updated := `<?xml version="1.0"?><EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="https://idp2.example.edu"></EntityDescriptor>`
	serving.Store(updated)
	require.NoError(t, resolver.Refresh(ctx, server.URL))

	doc, err := resolver.Resolve(ctx, server.URL)
	require.NoError(t, err)
	assert.Contains(t, string(doc), "idp2.example.edu")
}

func TestRefreshFailureKeepsCache(t *testing.T) {
	var failing atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(sampleMetadata))
	}))
	defer server.Close()

	resolver := newResolver(Options{CacheEnabled: true, CacheTTL: time.Hour})
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, server.URL)
	require.NoError(t, err)

	failing.Store(true)
	require.Error(t, resolver.Refresh(ctx, server.URL))

	doc, err := resolver.Resolve(ctx, server.URL)
	require.NoError(t, err)
	assert.Contains(t, string(doc), "https://idp.example.edu")
}

func TestSigningCertificates(t *testing.T) {
	certs, err := SigningCertificates([]byte(sampleMetadata))
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, "MIICsigningCERT", certs[0])
}

func TestSigningCertificatesEmptyDocument(t *testing.T) {
	certs, err := SigningCertificates([]byte(`<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata"/>`))
	require.NoError(t, err)
	assert.Empty(t, certs)
}

func TestSigningCertificatesUnparseable(t *testing.T) {
	_, err := SigningCertificates([]byte(`not xml at all <`))
	assert.Error(t, err)
}

func TestExtractIDPEndpoints(t *testing.T) {
	endpoints, err := ExtractIDPEndpoints([]byte(sampleMetadata))
	require.NoError(t, err)
	assert.Equal(t, "https://idp.example.edu", endpoints.EntityID)
	assert.Equal(t, "https://idp.example.edu/adfs/ls/", endpoints.SSOURL)
	assert.Empty(t, endpoints.SLSURL)
}

func TestExtractIDPEndpointsPrefersRedirectBinding(t *testing.T) {
	doc := `<?xml version="1.0"?>
<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="https://idp.example.edu">
  <IDPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
    <SingleLogoutService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" Location="https://idp.example.edu/logout"/>
    <SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST" Location="https://idp.example.edu/post"/>
    <SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" Location="https://idp.example.edu/redirect"/>
  </IDPSSODescriptor>
</EntityDescriptor>`
	endpoints, err := ExtractIDPEndpoints([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "https://idp.example.edu/redirect", endpoints.SSOURL)
	assert.Equal(t, "https://idp.example.edu/logout", endpoints.SLSURL)
}

func TestExtractIDPEndpointsMissingRole(t *testing.T) {
	_, err := ExtractIDPEndpoints([]byte(`<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="https://idp.example.edu"/>`))
	assert.Error(t, err)
}
