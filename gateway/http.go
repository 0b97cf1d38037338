package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/rs/cors"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
	requestIDHeader       = "X-Request-Id"
)

var (
	errNoCredentials    = errors.New("no authorization header")
	errMalformedBearer  = errors.New("malformed bearer authorization header")
	errEmptyBearerToken = errors.New("empty bearer token")
)

// writeJSONError emits {"error":{"code":<status>,"message":"<msg>"}} plus any
// extra fields.
func writeJSONError(w http.ResponseWriter, status int, msg string, extra map[string]any) {
	body := map[string]any{"code": status, "message": msg}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// bearerToken extracts the token from the Authorization header. present
// reports whether any Authorization header was sent.
func bearerToken(r *http.Request) (tok string, present bool, err error) {
	h := r.Header.Get(authorizationHeader)
	if h == "" {
		return "", false, errNoCredentials
	}
	const prefix = "bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", true, errMalformedBearer
	}
	tok = strings.TrimSpace(h[len(prefix):])
	if tok == "" {
		return "", true, errEmptyBearerToken
	}
	return tok, true, nil
}

// hasDotSegment reports whether p contains a "." or ".." segment. Such paths
// are rejected rather than matched so a route prefix cannot be escaped.
func hasDotSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// bearerChallenge builds a WWW-Authenticate value. Parameters are emitted in
// the order error, error_description, scope.
func bearerChallenge(realm, errCode, desc, scope string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	var pieces []string
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if errCode != "" {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(errCode)))
	}
	if desc != "" {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(desc)))
	}
	if scope != "" {
		pieces = append(pieces, fmt.Sprintf(`scope="%s"`, esc(scope)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// newCORS builds the cross-origin policy for the gateway. Preflights pass
// through to the dispatcher so they are recorded like any other outcome.
func newCORS(origins []string) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders:     []string{"Content-Type", "Accept", authorizationHeader},
		ExposedHeaders:     []string{requestIDHeader, wwwAuthenticateHeader},
		MaxAge:             600,
		OptionsPassthrough: true,
	})
}
