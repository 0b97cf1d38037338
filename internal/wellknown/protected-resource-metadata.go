// Package wellknown builds the OAuth 2.0 Protected Resource Metadata
// (RFC 9728) document advertised by the gateway.
package wellknown

import (
	"net/http"
	"sort"

	"github.com/ggoodman/jwtgateway/issuer"
	"github.com/ggoodman/jwtgateway/route"
)

// ProtectedResourcePath is the well-known location of the document.
const ProtectedResourcePath = "/.well-known/oauth-protected-resource"

type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// Build describes resource using the enabled issuers of store as
// authorization servers and the union of the routes' required scopes.
func Build(resource, name string, store *issuer.Store, routes route.Table) ProtectedResourceMetadata {
	var servers []string
	for _, n := range store.Names() {
		if c, ok := store.Get(n); ok && c.Enabled {
			servers = append(servers, c.Identifier)
		}
	}

	seen := map[string]struct{}{}
	var scopes []string
	for _, def := range routes.Routes() {
		for _, s := range def.RequiredScopes {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			scopes = append(scopes, s)
		}
	}
	sort.Strings(scopes)

	return ProtectedResourceMetadata{
		Resource:               resource,
		AuthorizationServers:   servers,
		ScopesSupported:        scopes,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           name,
	}
}

// ResourceFromRequest derives the resource identifier from the request's
// scheme and host when none is configured.
func ResourceFromRequest(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd == "http" || fwd == "https" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}
