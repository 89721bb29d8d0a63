package httpapi

import (
	"html/template"
	"net/http"

	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
)

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html>
	<head><title>mcpgate</title></head>
	<body>
		{{if .OK}}
		<h1>Authorization Successful</h1>
		<p>{{.Alias}} is connected. You can now close this window and return to the application.</p>
		<script>
			setTimeout(function() {
				window.close();
			}, 2000);
		</script>
		{{else}}
		<h1>Authorization Failed</h1>
		<p>{{.Message}}</p>
		{{end}}
	</body>
</html>
`))

type callbackResult struct {
	OK      bool
	Alias   string
	Message string
}

// handleOAuthCallback completes a backend login. It is reached by the user's
// browser, so it answers HTML and sits outside the API key check; the state
// parameter is what ties it to a flow started through the API.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	callbackErr := q.Get("error")
	if desc := q.Get("error_description"); callbackErr != "" && desc != "" {
		callbackErr += ": " + desc
	}

	s.logger.Infow("OAuth callback received",
		"path", r.URL.Path,
		"has_code", q.Get("code") != "",
		"error", callbackErr)

	if state == "" {
		s.renderCallback(w, http.StatusBadRequest, callbackResult{Message: "Missing state parameter."})
		return
	}

	id, err := s.deps.Installations.CompleteLogin(r.Context(), state, q.Get("code"), callbackErr)
	if err != nil {
		s.logger.Warnw("Backend OAuth callback failed", "error", err)
		s.renderCallback(w, statusFor(gwerr.KindOf(err)), callbackResult{Message: err.Error()})
		return
	}

	alias := id
	if inst, ok := s.deps.Access.Current().Installations[id]; ok {
		alias = inst.Alias
	}
	s.logger.Infow("Backend OAuth login completed", "installation", id, "alias", alias)
	s.renderCallback(w, http.StatusOK, callbackResult{OK: true, Alias: alias})
}

func (s *Server) renderCallback(w http.ResponseWriter, status int, res callbackResult) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := callbackPage.Execute(w, res); err != nil {
		s.logger.Errorw("Error writing OAuth callback response", "error", err)
	}
}
