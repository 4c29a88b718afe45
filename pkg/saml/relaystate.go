package saml

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// RelayToken is the opaque relay state carried through the upstream
// round trip. The Proxy marker distinguishes brokered logins from the
// proxy's own direct logins, whose relay state is a plain URL.
type RelayToken struct {
	Proxy      bool   `json:"proxy"`
	RequestID  string `json:"request_id"`
	RelayState string `json:"relay_state,omitempty"`
}

// EncodeRelayToken serializes a token for the RelayState parameter.
// URL-safe base64 keeps the value intact through form posts and query
// strings regardless of what characters the client's relay state held.
func EncodeRelayToken(token RelayToken) (string, error) {
	data, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("failed to encode relay token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeRelayToken parses a RelayState parameter produced by
// EncodeRelayToken. Callers must check the Proxy marker; relay states
// minted elsewhere decode to a zero token or an error.
func DecodeRelayToken(encoded string) (RelayToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return RelayToken{}, fmt.Errorf("relay state is not a proxy token: %w", err)
	}
	var token RelayToken
	if err := json.Unmarshal(data, &token); err != nil {
		return RelayToken{}, fmt.Errorf("relay state is not a proxy token: %w", err)
	}
	return token, nil
}
