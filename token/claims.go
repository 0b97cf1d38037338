package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validated is the request-scoped result of a successful validation.
type Validated struct {
	// IssuerName is the configured name of the issuer that signed the token.
	IssuerName string
	Subject    string
	Audience   []string
	Expiry     time.Time
	Scopes     []string
	Roles      []string
	RawClaims  map[string]any
}

// HasAll reports whether have contains every element of want.
func HasAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

// scopesOf reads the space-delimited "scope" claim, falling back to "scp"
// which some providers emit as an array or a string.
func scopesOf(c jwt.MapClaims) []string {
	if s, ok := c["scope"].(string); ok && strings.TrimSpace(s) != "" {
		return strings.Fields(s)
	}
	return stringsOf(c["scp"], true)
}

// rolesOf merges "roles", Keycloak's "realm_access.roles" and, when neither
// yields anything, "groups".
func rolesOf(c jwt.MapClaims) []string {
	var out []string
	seen := map[string]struct{}{}
	add := func(vs []string) {
		for _, v := range vs {
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	add(stringsOf(c["roles"], false))
	if ra, ok := c["realm_access"].(map[string]any); ok {
		add(stringsOf(ra["roles"], false))
	}
	if len(out) == 0 {
		add(stringsOf(c["groups"], false))
	}
	return out
}

func stringsOf(v any, splitSpaces bool) []string {
	switch tv := v.(type) {
	case string:
		if splitSpaces {
			return strings.Fields(tv)
		}
		if tv = strings.TrimSpace(tv); tv != "" {
			return []string{tv}
		}
	case []any:
		out := make([]string, 0, len(tv))
		for _, e := range tv {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), tv...)
	}
	return nil
}

// clientIDOf returns "azp", falling back to "client_id".
func clientIDOf(c jwt.MapClaims) string {
	if s, ok := c["azp"].(string); ok && s != "" {
		return s
	}
	s, _ := c["client_id"].(string)
	return s
}
