package broker

import (
	"net/http"

	"github.com/waterloobae/samlproxy/pkg/httputil"
)

// Action is the HTTP continuation of a broker operation. Keeping the
// broker free of http.ResponseWriter keeps it testable without a
// server.
type Action interface {
	Apply(w http.ResponseWriter, r *http.Request)
}

// RedirectAction sends the browser to a URL
type RedirectAction struct {
	URL string
}

// Apply issues the redirect
func (a RedirectAction) Apply(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, a.URL, http.StatusFound)
}

// PostFormAction delivers an auto-submitting HTML form
type PostFormAction struct {
	HTML []byte
}

// Apply writes the form
func (a PostFormAction) Apply(w http.ResponseWriter, r *http.Request) {
	httputil.WriteHTML(w, http.StatusOK, a.HTML)
}
