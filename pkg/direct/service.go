package direct

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/waterloobae/samlproxy/pkg/access"
	"github.com/waterloobae/samlproxy/pkg/audit"
	"github.com/waterloobae/samlproxy/pkg/claims"
	"github.com/waterloobae/samlproxy/pkg/httputil"
	"github.com/waterloobae/samlproxy/pkg/observability"
	"github.com/waterloobae/samlproxy/pkg/saml"
	"github.com/waterloobae/samlproxy/pkg/users"
)

// UpstreamAuthenticator is the upstream identity provider client used
// for direct logins
type UpstreamAuthenticator interface {
	AuthURL(relayState string) (string, error)
	ParseResponse(samlResponse string) (claims.FederatedIdentity, error)
	LogoutURL(sessionIndex string) (string, error)
}

// Options configures the direct login service
type Options struct {
	EntityID string
	ACSURL   string
	SLSURL   string

	SessionCookieName string
	SessionLifetime   time.Duration
	CookieSecure      bool

	CertificateBase64 string
	NameIDFormat      string
}

// Service owns the non-proxied login flow
type Service struct {
	opts     Options
	upstream UpstreamAuthenticator
	sessions *SessionManager
	mapper   *claims.Mapper
	engine   *access.Engine
	users    users.Store
	audit    audit.Logger
	logger   *observability.Logger
	metrics  *observability.Metrics

	// proxyACS handles upstream callbacks that carry a proxy relay
	// token. The consumer endpoint is shared between both flows.
	proxyACS http.HandlerFunc
}

// New creates the direct login service. users, audit, metrics, and
// proxyACS may be nil.
func New(
	opts Options,
	upstream UpstreamAuthenticator,
	mapper *claims.Mapper,
	engine *access.Engine,
	userStore users.Store,
	auditLogger audit.Logger,
	logger *observability.Logger,
	metrics *observability.Metrics,
	proxyACS http.HandlerFunc,
) *Service {
	if auditLogger == nil {
		auditLogger = audit.NoopLogger{}
	}
	return &Service{
		opts:     opts,
		upstream: upstream,
		sessions: NewSessionManager(opts.SessionLifetime),
		mapper:   mapper,
		engine:   engine,
		users:    userStore,
		audit:    auditLogger,
		logger:   logger,
		metrics:  metrics,
		proxyACS: proxyACS,
	}
}

func (s *Service) countLogin(outcome string) {
	if s.metrics != nil {
		s.metrics.LoginsTotal.WithLabelValues(outcome).Inc()
	}
}

// Sessions exposes the session manager for the periodic sweep job
func (s *Service) Sessions() *SessionManager {
	return s.sessions
}

// RegisterRoutes attaches the direct login endpoints to the router
func (s *Service) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/saml/login", s.Login).Methods(http.MethodGet)
	router.HandleFunc("/saml/acs", s.ACS).Methods(http.MethodPost)
	router.HandleFunc("/saml/sls", s.SLS).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/saml/logout", s.Logout).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/saml/metadata", s.Metadata).Methods(http.MethodGet)
	router.HandleFunc("/saml/session", s.SessionInfo).Methods(http.MethodGet)
}

// Login redirects the browser to the upstream identity provider. The
// optional return parameter must be a local path; anything else falls
// back to "/" so the relay state cannot become an open redirect.
func (s *Service) Login(w http.ResponseWriter, r *http.Request) {
	returnURL := sanitizeReturnURL(r.URL.Query().Get("return"))

	authURL, err := s.upstream.AuthURL(returnURL)
	if err != nil {
		s.logger.WithError(err).Error("Failed to build upstream login URL")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "failed to initiate login")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// ACS handles the upstream callback. A relay state carrying a proxy
// token belongs to the proxy flow and is handed off; a plain value is
// the direct flow's return path.
func (s *Service) ACS(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, "malformed form body")
		return
	}
	relayState := r.PostFormValue("RelayState")

	if token, err := saml.DecodeRelayToken(relayState); err == nil && token.Proxy {
		if s.proxyACS == nil {
			httputil.WriteErrorMessage(w, http.StatusNotFound, "Proxy mode not enabled")
			return
		}
		s.proxyACS(w, r)
		return
	}

	log := observability.FromContext(r.Context()).WithField("logger", "direct")

	samlResponse := r.PostFormValue("SAMLResponse")
	if samlResponse == "" {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, "missing SAMLResponse parameter")
		return
	}

	identity, err := s.upstream.ParseResponse(samlResponse)
	if err != nil {
		log.WithError(err).Warn("Rejected upstream response")
		s.countLogin("upstream_invalid")
		s.auditLogin(r, audit.StatusFailure, "", "upstream validation failed")
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "upstream authentication failed")
		return
	}

	profile := s.mapper.Map(identity)
	decision := s.engine.Evaluate(profile)
	access.LogDecision(log, profile.Email(), decision)
	if !decision.Authorized {
		s.countLogin("denied")
		s.auditLogin(r, audit.StatusDenied, identity.SubjectID, decision.Reason)
		httputil.WriteErrorMessage(w, http.StatusForbidden, decision.Reason)
		return
	}

	if s.users != nil && profile.Email() != "" {
		if _, err := s.users.CreateOrUpdate(r.Context(), profile); err != nil {
			log.WithError(err).Warn("Failed to provision user record")
		}
	}

	session, err := s.sessions.Create(Session{
		Subject:      identity.SubjectID,
		Email:        profile.Email(),
		Name:         profile.Fields["name"],
		Groups:       profile.Groups,
		SessionIndex: identity.SessionIndex,
	})
	if err != nil {
		log.WithError(err).Error("Failed to create session")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.opts.SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.opts.SessionLifetime.Seconds()),
	})

	s.countLogin("success")
	s.auditLogin(r, audit.StatusSuccess, identity.SubjectID, "")
	log.WithField("subject", identity.SubjectID).Info("Direct login completed")

	http.Redirect(w, r, sanitizeReturnURL(relayState), http.StatusFound)
}

// Logout clears the local session and, when the upstream advertises a
// logout endpoint, relays the logout there
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	sessionIndex := ""
	if cookie, err := r.Cookie(s.opts.SessionCookieName); err == nil {
		if session, err := s.sessions.Get(cookie.Value); err == nil {
			sessionIndex = session.SessionIndex
			s.sessions.Delete(session.ID)
			s.auditLogout(r, session.Subject)
		}
	}
	s.clearSessionCookie(w)

	logoutURL, err := s.upstream.LogoutURL(sessionIndex)
	if err != nil || logoutURL == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	http.Redirect(w, r, logoutURL, http.StatusFound)
}

// SLS handles upstream-initiated logout by dropping the local session
func (s *Service) SLS(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(s.opts.SessionCookieName); err == nil {
		if session, err := s.sessions.Get(cookie.Value); err == nil {
			s.sessions.Delete(session.ID)
			s.auditLogout(r, session.Subject)
		}
	}
	s.clearSessionCookie(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

// Metadata serves the service's SP-role metadata for registration with
// the upstream identity provider
func (s *Service) Metadata(w http.ResponseWriter, r *http.Request) {
	xml, err := saml.BuildSPMetadata(saml.EndpointDescriptor{
		EntityID:          s.opts.EntityID,
		ACSURL:            s.opts.ACSURL,
		SLSURL:            s.opts.SLSURL,
		NameIDFormat:      s.opts.NameIDFormat,
		CertificateBase64: s.opts.CertificateBase64,
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to build SP metadata")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "failed to build metadata")
		return
	}
	httputil.WriteXML(w, http.StatusOK, xml)
}

// SessionInfo returns the caller's session as JSON, or 401 when no
// valid session cookie is present
func (s *Service) SessionInfo(w http.ResponseWriter, r *http.Request) {
	session, err := s.CurrentSession(r)
	if err != nil {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	if err := httputil.WriteJSON(w, http.StatusOK, session); err != nil {
		s.logger.WithError(err).Error("Failed to write session response")
	}
}

// CurrentSession resolves the session cookie on a request
func (s *Service) CurrentSession(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(s.opts.SessionCookieName)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	return s.sessions.Get(cookie.Value)
}

func (s *Service) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.opts.SessionCookieName,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func (s *Service) auditLogin(r *http.Request, status audit.EventStatus, subject, message string) {
	event := audit.NewEvent(audit.EventLogin, status)
	event.Subject = subject
	event.Message = message
	if err := s.audit.Log(r.Context(), event); err != nil {
		s.logger.WithError(err).Warn("Failed to write audit event")
	}
}

func (s *Service) auditLogout(r *http.Request, subject string) {
	event := audit.NewEvent(audit.EventLogout, audit.StatusSuccess)
	event.Subject = subject
	if err := s.audit.Log(r.Context(), event); err != nil {
		s.logger.WithError(err).Warn("Failed to write audit event")
	}
}

// sanitizeReturnURL keeps only local paths. Absolute URLs, protocol
// relative paths, and unparsable values all collapse to "/".
func sanitizeReturnURL(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return "/"
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host != "" || parsed.Scheme != "" {
		return "/"
	}
	return raw
}
