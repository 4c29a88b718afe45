package broker

import (
	"errors"
	"fmt"

	"github.com/waterloobae/samlproxy/pkg/access"
)

var (
	// ErrProxyDisabled is returned when the broker is not enabled or
	// the operation's half of the proxy is not active in this mode.
	ErrProxyDisabled = errors.New("proxy mode not enabled")

	// ErrClientNotAllowed is returned when the downstream client is
	// not on the configured allow-list.
	ErrClientNotAllowed = errors.New("client is not allowed to use the proxy")

	// ErrInvalidRelayState is returned when the upstream callback's
	// relay state is not a token this proxy minted.
	ErrInvalidRelayState = errors.New("relay state is not a proxy token")
)

// AccessDeniedError carries the full decision so handlers and audit
// records can show which check failed.
type AccessDeniedError struct {
	Subject  string
	Decision access.Decision
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied for %s: %s", e.Subject, e.Decision.Reason)
}
