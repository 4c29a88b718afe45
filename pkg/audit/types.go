package audit

import "time"

// EventType identifies what happened
type EventType string

const (
	// EventProxyRequest is a downstream authentication request ingested
	EventProxyRequest EventType = "proxy.request"
	// EventProxyIssued is a downstream response issued
	EventProxyIssued EventType = "proxy.issued"
	// EventProxyRejected is a brokered login rejected before issuance
	EventProxyRejected EventType = "proxy.rejected"
	// EventAccessDecision is an access control evaluation
	EventAccessDecision EventType = "access.decision"
	// EventLogin is a direct (non-proxied) login completion
	EventLogin EventType = "login"
	// EventLogout is a session termination
	EventLogout EventType = "logout"
)

// EventStatus is the outcome of the event
type EventStatus string

const (
	StatusSuccess EventStatus = "success"
	StatusFailure EventStatus = "failure"
	StatusDenied  EventStatus = "denied"
)

// Event is one audit record
type Event struct {
	Timestamp time.Time   `json:"timestamp"`
	Type      EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Subject is the authenticated user, when known
	Subject string `json:"subject,omitempty"`

	// ClientEntityID is the downstream service provider involved
	ClientEntityID string `json:"client_entity_id,omitempty"`

	// RequestID is the downstream SAML request being brokered
	RequestID string `json:"request_id,omitempty"`

	Message string `json:"message,omitempty"`

	// Detail carries event-specific structure, e.g. the access
	// control checks
	Detail map[string]interface{} `json:"detail,omitempty"`
}
