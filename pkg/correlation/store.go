package correlation

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Take when no live entry matches the
// request ID, whether it never existed, expired, or was already
// consumed.
var ErrNotFound = errors.New("pending request not found")

// PendingRequest captures everything needed to answer a downstream
// authentication request once the upstream login completes.
type PendingRequest struct {
	// RequestID is the downstream AuthnRequest ID, echoed back as
	// InResponseTo on the issued response.
	RequestID string `json:"request_id"`

	// ClientEntityID identifies the downstream service provider.
	ClientEntityID string `json:"client_entity_id"`

	// ACSURL is where the signed response is posted.
	ACSURL string `json:"acs_url"`

	// RelayState is the downstream client's opaque relay state,
	// returned verbatim.
	RelayState string `json:"relay_state,omitempty"`

	// CreatedAt is when the request was ingested.
	CreatedAt time.Time `json:"created_at"`
}

// Store holds pending requests keyed by downstream request ID.
type Store interface {
	// Put saves a pending request with the given lifetime.
	Put(ctx context.Context, req PendingRequest, lifetime time.Duration) error

	// Take atomically removes and returns the pending request for
	// requestID, or ErrNotFound.
	Take(ctx context.Context, requestID string) (PendingRequest, error)

	// Len reports the number of live entries. Backends that cannot
	// count cheaply may return -1.
	Len(ctx context.Context) int

	// EvictExpired removes expired entries, returning how many were
	// evicted. Backends with native TTLs may report 0.
	EvictExpired(ctx context.Context) int

	// Close releases backend resources.
	Close() error
}
