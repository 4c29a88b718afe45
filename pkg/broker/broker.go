package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/waterloobae/samlproxy/pkg/access"
	"github.com/waterloobae/samlproxy/pkg/audit"
	"github.com/waterloobae/samlproxy/pkg/claims"
	"github.com/waterloobae/samlproxy/pkg/config"
	"github.com/waterloobae/samlproxy/pkg/correlation"
	"github.com/waterloobae/samlproxy/pkg/observability"
	"github.com/waterloobae/samlproxy/pkg/saml"
	"github.com/waterloobae/samlproxy/pkg/users"
)

// UpstreamAuthenticator is the upstream half of a brokered login
type UpstreamAuthenticator interface {
	AuthURL(relayState string) (string, error)
	ParseResponse(samlResponse string) (claims.FederatedIdentity, error)
	LogoutURL(sessionIndex string) (string, error)
}

// ResponseIssuer builds the downstream response document
type ResponseIssuer interface {
	IssueResponse(params saml.IssueParams) ([]byte, error)
}

// Options configures the broker
type Options struct {
	Enabled bool
	Mode    string

	// EntityID is the proxy's IdP-role entity ID
	EntityID string

	SSOURL      string
	ACSURL      string
	SLSURL      string
	MetadataURL string

	SessionLifetime     time.Duration
	CorrelationLifetime time.Duration
	SignAssertions      bool
	AttributeFiltering  bool

	// CertificateBase64 is embedded in the published metadata
	CertificateBase64 string
	NameIDFormat      string
}

// Broker wires the proxy flow together
type Broker struct {
	opts     Options
	store    correlation.Store
	upstream UpstreamAuthenticator
	issuer   ResponseIssuer
	mapper   *claims.Mapper
	engine   *access.Engine
	users    users.Store
	audit    audit.Logger
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu     sync.RWMutex
	policy *config.PolicyDocument
}

// New creates a broker. users, audit, and metrics may be nil.
func New(
	opts Options,
	store correlation.Store,
	upstream UpstreamAuthenticator,
	issuer ResponseIssuer,
	policy *config.PolicyDocument,
	userStore users.Store,
	auditLogger audit.Logger,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Broker {
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	if auditLogger == nil {
		auditLogger = audit.NoopLogger{}
	}
	return &Broker{
		opts:     opts,
		store:    store,
		upstream: upstream,
		issuer:   issuer,
		mapper:   claims.NewMapper(policy.MappingAliases()),
		engine:   access.NewEngine(policy.AccessControl),
		users:    userStore,
		audit:    auditLogger,
		logger:   logger,
		metrics:  metrics,
		policy:   policy,
	}
}

// UpdatePolicy swaps in a reloaded policy document. In-flight logins
// pick up the new rules at their next evaluation.
func (b *Broker) UpdatePolicy(policy *config.PolicyDocument) {
	b.mu.Lock()
	b.policy = policy
	b.mu.Unlock()

	b.mapper.SetAliases(policy.MappingAliases())
	b.engine.SetPolicy(policy.AccessControl)
	b.logger.Info("Broker policy updated")
}

func (b *Broker) currentPolicy() *config.PolicyDocument {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.policy
}

// serverEnabled reports whether the broker answers downstream clients
func (b *Broker) serverEnabled() bool {
	return b.opts.Enabled && (b.opts.Mode == config.ProxyModeServer || b.opts.Mode == config.ProxyModeBoth)
}

// clientEnabled reports whether the broker talks to the upstream
// identity provider
func (b *Broker) clientEnabled() bool {
	return b.opts.Enabled && (b.opts.Mode == config.ProxyModeClient || b.opts.Mode == config.ProxyModeBoth)
}

// Enabled reports whether the broker is active at all
func (b *Broker) Enabled() bool {
	return b.opts.Enabled
}

// Ingest handles a downstream AuthnRequest: validate, correlate, and
// redirect the browser to the upstream identity provider.
func (b *Broker) Ingest(ctx context.Context, samlRequest, relayState string) (Action, error) {
	if !b.serverEnabled() {
		return nil, ErrProxyDisabled
	}

	req, err := saml.ParseAuthnRequest(samlRequest)
	if err != nil {
		b.countIngest("invalid")
		return nil, err
	}

	ctx = observability.WithSAMLRequestID(ctx, req.ID)
	ctx = observability.WithClientEntityID(ctx, req.Issuer)
	log := observability.FromContext(ctx).WithField("logger", "broker")

	if !b.currentPolicy().ClientAllowed(req.Issuer) {
		b.countIngest("rejected")
		b.auditEvent(ctx, audit.EventProxyRejected, audit.StatusDenied, "", req,
			"client not on the allow-list")
		log.Warn("Rejected authentication request from unlisted client")
		return nil, fmt.Errorf("%w: %s", ErrClientNotAllowed, req.Issuer)
	}

	pending := correlation.PendingRequest{
		RequestID:      req.ID,
		ClientEntityID: req.Issuer,
		ACSURL:         req.AssertionConsumerServiceURL,
		RelayState:     relayState,
		CreatedAt:      time.Now().UTC(),
	}
	if err := b.store.Put(ctx, pending, b.opts.CorrelationLifetime); err != nil {
		b.countIngest("error")
		return nil, fmt.Errorf("failed to store pending request: %w", err)
	}
	b.gaugePending(ctx)

	token, err := saml.EncodeRelayToken(saml.RelayToken{
		Proxy:      true,
		RequestID:  req.ID,
		RelayState: relayState,
	})
	if err != nil {
		return nil, err
	}

	authURL, err := b.upstream.AuthURL(token)
	if err != nil {
		b.countIngest("error")
		return nil, err
	}

	b.countIngest("accepted")
	b.auditEvent(ctx, audit.EventProxyRequest, audit.StatusSuccess, "", req, "")
	log.Info("Relaying authentication request upstream")

	return RedirectAction{URL: authURL}, nil
}

// Receive handles the upstream callback: validate the assertion, take
// the pending request, apply access control, and issue the downstream
// response as an auto-submitting form.
func (b *Broker) Receive(ctx context.Context, samlResponse, relayState string) (Action, error) {
	if !b.clientEnabled() {
		return nil, ErrProxyDisabled
	}

	token, err := saml.DecodeRelayToken(relayState)
	if err != nil || !token.Proxy {
		b.countReceive("invalid_relay_state")
		return nil, ErrInvalidRelayState
	}

	ctx = observability.WithSAMLRequestID(ctx, token.RequestID)
	log := observability.FromContext(ctx).WithField("logger", "broker")

	identity, err := b.upstream.ParseResponse(samlResponse)
	if err != nil {
		b.countReceive("upstream_invalid")
		log.WithError(err).Warn("Rejected upstream response")
		return nil, err
	}

	pending, err := b.store.Take(ctx, token.RequestID)
	if err != nil {
		b.countReceive("correlation_not_found")
		if b.metrics != nil {
			b.metrics.CorrelationNotFound.Inc()
		}
		log.Warn("No pending request for upstream callback")
		return nil, err
	}
	b.gaugePending(ctx)
	ctx = observability.WithClientEntityID(ctx, pending.ClientEntityID)

	profile := b.mapper.Map(identity)
	decision := b.engine.Evaluate(profile)
	access.LogDecision(log, profile.Email(), decision)
	b.auditDecision(ctx, identity.SubjectID, pending, decision)

	if !decision.Authorized {
		b.countReceive("access_denied")
		b.countDecision(decision)
		return nil, &AccessDeniedError{Subject: identity.SubjectID, Decision: decision}
	}
	b.countDecision(decision)

	if b.users != nil && profile.Email() != "" {
		if _, err := b.users.CreateOrUpdate(ctx, profile); err != nil {
			log.WithError(err).Warn("Failed to provision user record")
		}
	}

	start := time.Now()
	responseXML, err := b.issuer.IssueResponse(saml.IssueParams{
		InResponseTo:     pending.RequestID,
		ACSURL:           pending.ACSURL,
		AudienceEntityID: pending.ClientEntityID,
		Subject:          identity.SubjectID,
		SessionIndex:     identity.SessionIndex,
		Attributes:       b.filterAttributes(identity.Attributes),
	})
	if err != nil {
		b.countReceive("issue_failed")
		return nil, err
	}

	form, err := saml.BuildPostForm(pending.ACSURL, responseXML, pending.RelayState)
	if err != nil {
		b.countReceive("issue_failed")
		return nil, err
	}

	if b.metrics != nil {
		b.metrics.AssertionsIssued.Inc()
		b.metrics.AssertionBuildTime.Observe(time.Since(start).Seconds())
	}
	b.countReceive("issued")
	b.auditEvent(ctx, audit.EventProxyIssued, audit.StatusSuccess, identity.SubjectID, nil, "")
	log.WithField("client_entity_id", pending.ClientEntityID).Info("Issued downstream response")

	return PostFormAction{HTML: form}, nil
}

// Logout returns the upstream logout redirect, or nil when the
// upstream advertises no logout endpoint.
func (b *Broker) Logout(ctx context.Context, sessionIndex string) (Action, error) {
	if !b.opts.Enabled {
		return nil, ErrProxyDisabled
	}

	logoutURL, err := b.upstream.LogoutURL(sessionIndex)
	if err != nil {
		return nil, err
	}
	if logoutURL == "" {
		return nil, nil
	}
	return RedirectAction{URL: logoutURL}, nil
}

// filterAttributes drops claims not exposed to downstream clients.
// With filtering disabled every upstream claim passes through.
func (b *Broker) filterAttributes(attributes map[string][]string) map[string][]string {
	if !b.opts.AttributeFiltering {
		return attributes
	}

	exposed := b.currentPolicy().ExposedAttributeSet()
	filtered := make(map[string][]string, len(attributes))
	for name, values := range attributes {
		if exposed[name] {
			filtered[name] = values
		}
	}
	return filtered
}

// MetadataXML renders the proxy's IdP-role metadata for downstream
// clients
func (b *Broker) MetadataXML() ([]byte, error) {
	if !b.serverEnabled() {
		return nil, ErrProxyDisabled
	}
	return saml.BuildIDPMetadata(saml.EndpointDescriptor{
		EntityID:          b.opts.EntityID,
		SSOURL:            b.opts.SSOURL,
		SLSURL:            b.opts.SLSURL,
		NameIDFormat:      b.opts.NameIDFormat,
		CertificateBase64: b.opts.CertificateBase64,
	})
}

// Status describes the running proxy configuration
type Status struct {
	ProxyEnabled bool              `json:"proxy_enabled"`
	ProxyMode    string            `json:"proxy_mode,omitempty"`
	EntityID     string            `json:"entity_id,omitempty"`
	Endpoints    map[string]string `json:"endpoints,omitempty"`
	Config       *StatusConfig     `json:"configuration,omitempty"`
	Message      string            `json:"message,omitempty"`
}

// StatusConfig is the configuration section of the status document
type StatusConfig struct {
	SessionLifetime    int  `json:"session_lifetime"`
	AttributeFiltering bool `json:"attribute_filtering"`
	SignAssertions     bool `json:"sign_assertions"`
	PendingRequests    int  `json:"pending_requests"`
}

// Status reports the proxy's configuration and pending request count
func (b *Broker) Status(ctx context.Context) Status {
	if !b.opts.Enabled {
		return Status{ProxyEnabled: false, Message: "Proxy mode not enabled"}
	}

	return Status{
		ProxyEnabled: true,
		ProxyMode:    b.opts.Mode,
		EntityID:     b.opts.EntityID,
		Endpoints: map[string]string{
			"sso":      b.opts.SSOURL,
			"acs":      b.opts.ACSURL,
			"sls":      b.opts.SLSURL,
			"metadata": b.opts.MetadataURL,
		},
		Config: &StatusConfig{
			SessionLifetime:    int(b.opts.SessionLifetime.Seconds()),
			AttributeFiltering: b.opts.AttributeFiltering,
			SignAssertions:     b.opts.SignAssertions,
			PendingRequests:    b.store.Len(ctx),
		},
	}
}

// SweepExpired evicts expired correlation entries, for the periodic
// sweep job
func (b *Broker) SweepExpired(ctx context.Context) int {
	evicted := b.store.EvictExpired(ctx)
	if evicted > 0 {
		if b.metrics != nil {
			b.metrics.CorrelationEvicted.Add(float64(evicted))
		}
		b.logger.WithField("evicted", evicted).Info("Evicted expired pending requests")
	}
	b.gaugePending(ctx)
	return evicted
}

func (b *Broker) countIngest(status string) {
	if b.metrics != nil {
		b.metrics.ProxyRequestsTotal.WithLabelValues(status).Inc()
	}
}

func (b *Broker) countReceive(outcome string) {
	if b.metrics != nil {
		b.metrics.ProxyReceiveTotal.WithLabelValues(outcome).Inc()
	}
}

func (b *Broker) countDecision(decision access.Decision) {
	if b.metrics == nil {
		return
	}
	if decision.Authorized {
		b.metrics.AccessDecisionsTotal.WithLabelValues("authorized", "none").Inc()
	} else {
		b.metrics.AccessDecisionsTotal.WithLabelValues("denied", decision.FailedStage()).Inc()
	}
}

func (b *Broker) gaugePending(ctx context.Context) {
	if b.metrics == nil {
		return
	}
	if n := b.store.Len(ctx); n >= 0 {
		b.metrics.PendingRequests.Set(float64(n))
	}
}

func (b *Broker) auditEvent(ctx context.Context, eventType audit.EventType, status audit.EventStatus, subject string, req *saml.AuthnRequest, message string) {
	event := audit.NewEvent(eventType, status)
	event.Subject = subject
	event.Message = message
	if req != nil {
		event.ClientEntityID = req.Issuer
		event.RequestID = req.ID
	} else {
		event.ClientEntityID = observability.GetClientEntityID(ctx)
		event.RequestID = observability.GetSAMLRequestID(ctx)
	}
	if err := b.audit.Log(ctx, event); err != nil {
		b.logger.WithError(err).Warn("Failed to write audit event")
	}
}

func (b *Broker) auditDecision(ctx context.Context, subject string, pending correlation.PendingRequest, decision access.Decision) {
	status := audit.StatusSuccess
	if !decision.Authorized {
		status = audit.StatusDenied
	}
	event := audit.NewEvent(audit.EventAccessDecision, status)
	event.Subject = subject
	event.ClientEntityID = pending.ClientEntityID
	event.RequestID = pending.RequestID
	event.Message = decision.Reason
	event.Detail = map[string]interface{}{"checks": decision.Checks}
	if stage := decision.FailedStage(); stage != "" {
		event.Detail["failed_stage"] = stage
	}
	if err := b.audit.Log(ctx, event); err != nil {
		b.logger.WithError(err).Warn("Failed to write audit event")
	}
}
