package broker

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/waterloobae/samlproxy/pkg/correlation"
	"github.com/waterloobae/samlproxy/pkg/httputil"
	"github.com/waterloobae/samlproxy/pkg/metadata"
	"github.com/waterloobae/samlproxy/pkg/observability"
	"github.com/waterloobae/samlproxy/pkg/saml"
)

// Handler exposes the broker's proxy endpoints
type Handler struct {
	broker *Broker
	logger *observability.Logger
}

// NewHandler creates the HTTP surface for a broker
func NewHandler(broker *Broker, logger *observability.Logger) *Handler {
	return &Handler{broker: broker, logger: logger}
}

// RegisterRoutes attaches the proxy endpoints to the router
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/saml/proxy/sso", h.SSO).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/saml/proxy/acs", h.ACS).Methods(http.MethodPost)
	router.HandleFunc("/saml/proxy/sls", h.SLS).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/saml/proxy/metadata", h.Metadata).Methods(http.MethodGet)
	router.HandleFunc("/saml/proxy/status", h.Status).Methods(http.MethodGet)
}

// SSO ingests a downstream AuthnRequest from either the redirect or
// POST binding
func (h *Handler) SSO(w http.ResponseWriter, r *http.Request) {
	samlRequest, relayState := bindingParams(r, "SAMLRequest")
	if samlRequest == "" {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, "missing SAMLRequest parameter")
		return
	}

	action, err := h.broker.Ingest(r.Context(), samlRequest, relayState)
	if err != nil {
		h.writeBrokerError(w, r, err)
		return
	}
	action.Apply(w, r)
}

// ACS handles the upstream identity provider's callback
func (h *Handler) ACS(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, "malformed form body")
		return
	}
	samlResponse := r.PostFormValue("SAMLResponse")
	if samlResponse == "" {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, "missing SAMLResponse parameter")
		return
	}

	action, err := h.broker.Receive(r.Context(), samlResponse, r.PostFormValue("RelayState"))
	if err != nil {
		h.writeBrokerError(w, r, err)
		return
	}
	action.Apply(w, r)
}

// SLS relays logout to the upstream identity provider when it has a
// logout endpoint, otherwise sends the browser home
func (h *Handler) SLS(w http.ResponseWriter, r *http.Request) {
	sessionIndex, _ := bindingParams(r, "SessionIndex")

	action, err := h.broker.Logout(r.Context(), sessionIndex)
	if err != nil {
		h.writeBrokerError(w, r, err)
		return
	}
	if action == nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	action.Apply(w, r)
}

// Metadata serves the proxy's IdP-role metadata
func (h *Handler) Metadata(w http.ResponseWriter, r *http.Request) {
	xml, err := h.broker.MetadataXML()
	if err != nil {
		h.writeBrokerError(w, r, err)
		return
	}
	httputil.WriteXML(w, http.StatusOK, xml)
}

// Status serves the proxy configuration document
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status := h.broker.Status(r.Context())
	code := http.StatusOK
	if !status.ProxyEnabled {
		code = http.StatusNotFound
	}
	if err := httputil.WriteJSON(w, code, status); err != nil {
		h.logger.WithError(err).Error("Failed to write status response")
	}
}

// bindingParams reads a SAML parameter and RelayState from the query
// string or POST body depending on the binding used
func bindingParams(r *http.Request, param string) (string, string) {
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			return "", ""
		}
		return r.PostFormValue(param), r.PostFormValue("RelayState")
	}
	query := r.URL.Query()
	return query.Get(param), query.Get("RelayState")
}

func (h *Handler) writeBrokerError(w http.ResponseWriter, r *http.Request, err error) {
	log := observability.FromContext(r.Context()).WithField("logger", "broker.handler")

	var denied *AccessDeniedError
	switch {
	case errors.Is(err, ErrProxyDisabled):
		httputil.WriteErrorMessage(w, http.StatusNotFound, "Proxy mode not enabled")
	case errors.Is(err, saml.ErrInvalidRequest):
		log.WithError(err).Warn("Rejected malformed authentication request")
		httputil.WriteErrorMessage(w, http.StatusBadRequest, "invalid authentication request")
	case errors.Is(err, ErrClientNotAllowed):
		httputil.WriteErrorMessage(w, http.StatusForbidden, "client is not allowed to use this proxy")
	case errors.Is(err, ErrInvalidRelayState):
		httputil.WriteErrorMessage(w, http.StatusBadRequest, "invalid relay state")
	case errors.Is(err, correlation.ErrNotFound):
		httputil.WriteErrorMessage(w, http.StatusBadRequest, "unknown or expired authentication request")
	case errors.Is(err, saml.ErrUpstreamAuth):
		log.WithError(err).Warn("Upstream authentication failed")
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "upstream authentication failed")
	case errors.As(err, &denied):
		httputil.WriteErrorMessage(w, http.StatusForbidden, denied.Decision.Reason)
	case errors.Is(err, metadata.ErrUnavailable):
		log.WithError(err).Error("Upstream metadata unavailable")
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "upstream identity provider unavailable")
	default:
		log.WithError(err).Error("Proxy request failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
	}
}
