package metadata

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/beevik/etree"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	xrv "github.com/mattermost/xml-roundtrip-validator"
	"golang.org/x/sync/singleflight"

	"github.com/waterloobae/samlproxy/pkg/observability"
)

// ErrUnavailable is returned when neither the metadata URL nor the
// fallback file yields a usable document.
var ErrUnavailable = errors.New("identity provider metadata unavailable")

// maxMetadataSize bounds the fetched document; federation metadata
// runs to a few hundred KB at most.
const maxMetadataSize = 10 << 20

// Options configures a Resolver
type Options struct {
	CacheEnabled bool
	CacheTTL     time.Duration
	CacheSize    int
	FetchTimeout time.Duration

	// FallbackFile is read when the HTTP fetch fails.
	FallbackFile string
}

// Resolver fetches, validates, and caches metadata documents keyed by URL
type Resolver struct {
	opts       Options
	httpClient *http.Client
	cache      *lru.LRU[string, []byte]
	group      singleflight.Group
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewResolver creates a metadata resolver. metrics may be nil.
func NewResolver(opts Options, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 16
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}

	r := &Resolver{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.FetchTimeout},
		logger:     logger,
		metrics:    metrics,
	}
	if opts.CacheEnabled {
		r.cache = lru.NewLRU[string, []byte](opts.CacheSize, nil, opts.CacheTTL)
	}
	return r
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Resolve returns the metadata document for url, consulting the cache
// first and falling back to the local file when the fetch fails.
func (r *Resolver) Resolve(ctx context.Context, url string) ([]byte, error) {
	if r.cache != nil {
		if doc, ok := r.cache.Get(cacheKey(url)); ok {
			r.countCacheHit(true)
			return doc, nil
		}
		r.countCacheHit(false)
	}

	v, err, _ := r.group.Do(url, func() (interface{}, error) {
		return r.fetchWithFallback(ctx, url)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Refresh re-fetches the document for url, bypassing the cache. Used
// by the periodic refresh job; a failed refresh keeps the cached copy.
func (r *Resolver) Refresh(ctx context.Context, url string) error {
	doc, err := r.fetch(ctx, url)
	if err != nil {
		r.logger.WithError(err).WithField("url", url).Warn("Metadata refresh failed, keeping cached copy")
		return err
	}
	if r.cache != nil {
		r.cache.Add(cacheKey(url), doc)
	}
	return nil
}

func (r *Resolver) fetchWithFallback(ctx context.Context, url string) ([]byte, error) {
	doc, fetchErr := r.fetch(ctx, url)
	if fetchErr == nil {
		if r.cache != nil {
			r.cache.Add(cacheKey(url), doc)
		}
		return doc, nil
	}

	if r.opts.FallbackFile == "" {
		r.countFetch("url", "error")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, fetchErr)
	}

	doc, fileErr := r.readFallback()
	if fileErr != nil {
		r.countFetch("file", "error")
		return nil, fmt.Errorf("%w: fetch failed (%v) and fallback failed (%v)", ErrUnavailable, fetchErr, fileErr)
	}

	r.logger.WithError(fetchErr).WithFields(map[string]interface{}{
		"url":  url,
		"file": r.opts.FallbackFile,
	}).Warn("Metadata fetch failed, using local fallback file")
	r.countFetch("file", "success")

	// Deliberately not cached: the next resolution retries the URL.
	return doc, nil
}

func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata fetch returned status %d", resp.StatusCode)
	}

	doc, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata response: %w", err)
	}

	if err := validate(doc); err != nil {
		return nil, err
	}

	r.countFetch("url", "success")
	return doc, nil
}

func (r *Resolver) readFallback() ([]byte, error) {
	doc, err := os.ReadFile(r.opts.FallbackFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read fallback metadata file: %w", err)
	}
	if err := validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// validate rejects documents that do not survive an XML round trip,
// closing the class of parser-mismatch signature bypasses.
func validate(doc []byte) error {
	if err := xrv.Validate(bytes.NewReader(doc)); err != nil {
		return fmt.Errorf("metadata failed round-trip validation: %w", err)
	}
	return nil
}

func (r *Resolver) countFetch(source, status string) {
	if r.metrics != nil {
		r.metrics.MetadataFetchesTotal.WithLabelValues(source, status).Inc()
	}
}

func (r *Resolver) countCacheHit(hit bool) {
	if r.metrics == nil {
		return
	}
	if hit {
		r.metrics.MetadataCacheHits.Inc()
	} else {
		r.metrics.MetadataCacheMisses.Inc()
	}
}

const (
	redirectBinding = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"
	postBinding     = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
)

// IDPEndpoints is the upstream configuration carried by an IdP's
// metadata document
type IDPEndpoints struct {
	EntityID string
	SSOURL   string
	SLSURL   string
}

// ExtractIDPEndpoints reads the entity ID and the single sign-on and
// logout locations from a metadata document. The redirect binding is
// preferred; the POST binding is a fallback.
func ExtractIDPEndpoints(doc []byte) (IDPEndpoints, error) {
	tree := etree.NewDocument()
	if err := tree.ReadFromBytes(doc); err != nil {
		return IDPEndpoints{}, fmt.Errorf("failed to parse metadata: %w", err)
	}

	root := tree.Root()
	if root == nil || root.Tag != "EntityDescriptor" {
		return IDPEndpoints{}, fmt.Errorf("metadata has no EntityDescriptor root")
	}

	endpoints := IDPEndpoints{EntityID: root.SelectAttrValue("entityID", "")}

	role := root.FindElement("//IDPSSODescriptor")
	if role == nil {
		return IDPEndpoints{}, fmt.Errorf("metadata has no IDPSSODescriptor")
	}
	endpoints.SSOURL = serviceLocation(role, "SingleSignOnService")
	endpoints.SLSURL = serviceLocation(role, "SingleLogoutService")

	if endpoints.SSOURL == "" {
		return IDPEndpoints{}, fmt.Errorf("metadata has no SingleSignOnService location")
	}
	return endpoints, nil
}

func serviceLocation(role *etree.Element, tag string) string {
	byBinding := make(map[string]string)
	for _, el := range role.ChildElements() {
		if el.Tag != tag {
			continue
		}
		byBinding[el.SelectAttrValue("Binding", "")] = el.SelectAttrValue("Location", "")
	}
	if loc := byBinding[redirectBinding]; loc != "" {
		return loc
	}
	return byBinding[postBinding]
}

// SigningCertificates extracts the base64 DER signing certificates
// from a metadata document. Certificates under KeyDescriptor elements
// marked use="encryption" are skipped; an empty result is not an
// error, some IdPs publish metadata without certificates.
func SigningCertificates(doc []byte) ([]string, error) {
	tree := etree.NewDocument()
	if err := tree.ReadFromBytes(doc); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	var certs []string
	var walk func(el *etree.Element, inEncryptionKey bool)
	walk = func(el *etree.Element, inEncryptionKey bool) {
		if el.Tag == "KeyDescriptor" {
			inEncryptionKey = el.SelectAttrValue("use", "") == "encryption"
		}
		if el.Tag == "X509Certificate" && !inEncryptionKey {
			cert := strings.Join(strings.Fields(el.Text()), "")
			if cert != "" {
				certs = append(certs, cert)
			}
		}
		for _, child := range el.ChildElements() {
			walk(child, inEncryptionKey)
		}
	}
	if root := tree.Root(); root != nil {
		walk(root, false)
	}
	return certs, nil
}
