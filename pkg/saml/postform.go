package saml

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html/template"
)

// postFormTemplate is the auto-submitting form used for the HTTP-POST
// binding. The noscript fallback keeps the flow usable with scripting
// disabled.
var postFormTemplate = template.Must(template.New("postform").Parse(`<!DOCTYPE html>
<html>
<head><title>Redirecting...</title></head>
<body onload="document.forms[0].submit()">
<noscript><p>JavaScript is disabled. Click Continue to proceed.</p></noscript>
<form method="post" action="{{.ACSURL}}">
<input type="hidden" name="SAMLResponse" value="{{.SAMLResponse}}"/>
{{if .RelayState}}<input type="hidden" name="RelayState" value="{{.RelayState}}"/>
{{end}}<noscript><input type="submit" value="Continue"/></noscript>
</form>
</body>
</html>
`))

// BuildPostForm renders the auto-submitting HTML form delivering a
// response document to acsURL. relayState is included only when
// non-empty.
func BuildPostForm(acsURL string, responseXML []byte, relayState string) ([]byte, error) {
	var buf bytes.Buffer
	err := postFormTemplate.Execute(&buf, struct {
		ACSURL       string
		SAMLResponse string
		RelayState   string
	}{
		ACSURL:       acsURL,
		SAMLResponse: base64.StdEncoding.EncodeToString(responseXML),
		RelayState:   relayState,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render post form: %w", err)
	}
	return buf.Bytes(), nil
}
