package issuer

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

type fakeSource struct {
	loaded  bool
	issuers map[string]map[string]string
}

func (f fakeSource) IsConfigurationLoaded() bool { return f.loaded }
func (f fakeSource) IssuerIDs() []string {
	var ids []string
	for id := range f.issuers {
		ids = append(ids, id)
	}
	return ids
}
func (f fakeSource) IssuerProperties(id string) map[string]string { return f.issuers[id] }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func byName(cfgs []Config) map[string]Config {
	out := make(map[string]Config, len(cfgs))
	for _, c := range cfgs {
		out[c.Name] = c
	}
	return out
}

func TestResolve_InlineOnly(t *testing.T) {
	got := byName(Resolve(discard(), nil, map[string]string{
		"issuer.keycloak.jwks-url":  "https://kc/jwks",
		"issuer.keycloak.audience":  "gateway",
		"issuer.keycloak.client-id": "  ",
		"issuer.auth0.name":         "https://auth0.example/",
		"issuer.auth0.jwks-file":    "/etc/auth0.json",
		"issuer.auth0.client-id":    "abc",
	}))
	if len(got) != 2 {
		t.Fatalf("want 2 issuers, got %d", len(got))
	}
	kc := got["keycloak"]
	if kc.Identifier != "keycloak" || kc.KeySource != URL("https://kc/jwks") || kc.Audience != "gateway" || kc.ClientID != "" || !kc.Enabled {
		t.Fatalf("unexpected keycloak config %+v", kc)
	}
	a0 := got["auth0"]
	if a0.Identifier != "https://auth0.example/" || a0.KeySource != File("/etc/auth0.json") || a0.ClientID != "abc" {
		t.Fatalf("unexpected auth0 config %+v", a0)
	}
}

func TestResolve_ExcludesIssuerWithoutKeySource(t *testing.T) {
	got := byName(Resolve(discard(), nil, map[string]string{
		"issuer.nokeys.name":     "nokeys",
		"issuer.nokeys.audience": "x",
		"issuer.good.jwks-url":   "https://good/jwks",
	}))
	if _, ok := got["nokeys"]; ok {
		t.Fatalf("issuer without key source must be excluded")
	}
	if _, ok := got["good"]; !ok {
		t.Fatalf("valid issuer must still be returned")
	}
}

func TestResolve_ExternalWinsPerProperty(t *testing.T) {
	ext := fakeSource{loaded: true, issuers: map[string]map[string]string{
		"kc": {"jwks-url": "https://external/jwks", "audience": "ext-aud"},
	}}
	got := byName(Resolve(discard(), ext, map[string]string{
		"issuer.kc.jwks-url":  "https://inline/jwks",
		"issuer.kc.client-id": "inline-client",
		"issuer.kc.audience":  "inline-aud",
	}))
	kc, ok := got["kc"]
	if !ok {
		t.Fatalf("kc missing")
	}
	if kc.KeySource.Value != "https://external/jwks" {
		t.Fatalf("external jwks-url must win, got %q", kc.KeySource.Value)
	}
	if kc.Audience != "ext-aud" {
		t.Fatalf("external audience must win, got %q", kc.Audience)
	}
	if kc.ClientID != "inline-client" {
		t.Fatalf("inline property not set externally must be kept, got %q", kc.ClientID)
	}
}

func TestResolve_ExternalIgnoredWhenNotLoaded(t *testing.T) {
	ext := fakeSource{loaded: false, issuers: map[string]map[string]string{
		"kc": {"jwks-url": "https://external/jwks"},
	}}
	got := byName(Resolve(discard(), ext, map[string]string{"issuer.kc.jwks-url": "https://inline/jwks"}))
	if got["kc"].KeySource.Value != "https://inline/jwks" {
		t.Fatalf("unloaded external source must not contribute, got %+v", got["kc"])
	}
}

func TestResolve_ExternalOnlyAndLegacyAlias(t *testing.T) {
	ext := fakeSource{loaded: true, issuers: map[string]map[string]string{
		"legacy": {"issuer": "https://legacy/", "jwksUri": "https://legacy/certs"},
	}}
	got := byName(Resolve(discard(), ext, nil))
	l, ok := got["legacy"]
	if !ok {
		t.Fatalf("external-only issuer missing")
	}
	if l.KeySource != URL("https://legacy/certs") || l.Identifier != "https://legacy/" {
		t.Fatalf("unexpected legacy config %+v", l)
	}
}

func TestResolve_SkipsDisabledAndKeepsOthers(t *testing.T) {
	got := byName(Resolve(discard(), nil, map[string]string{
		"issuer.off.enabled":    "FALSE",
		"issuer.off.jwks-url":   "https://off/jwks",
		"issuer.on.enabled":     "true",
		"issuer.on.jwks-url":    "https://on/jwks",
		"issuer.weird.enabled":  "maybe",
		"issuer.weird.jwks-url": "https://weird/jwks",
	}))
	if _, ok := got["off"]; ok {
		t.Fatalf("disabled issuer must be skipped")
	}
	if !got["on"].Enabled || !got["weird"].Enabled {
		t.Fatalf("only an explicit false disables an issuer: %+v", got)
	}
}

func TestResolve_ContentKeySourceSupported(t *testing.T) {
	got := byName(Resolve(discard(), nil, map[string]string{
		"issuer.inline.jwks-content": `{"keys":[]}`,
	}))
	if got["inline"].KeySource.Kind != KeySourceContent {
		t.Fatalf("content key source should be accepted, got %+v", got["inline"])
	}
}

func TestResolve_KeySourcePriority(t *testing.T) {
	got := byName(Resolve(discard(), nil, map[string]string{
		"issuer.x.jwks-content": `{"keys":[]}`,
		"issuer.x.jwks-file":    "/f.json",
		"issuer.x.jwks-url":     "https://x/jwks",
	}))
	if got["x"].KeySource.Kind != KeySourceURL {
		t.Fatalf("url must take priority, got %v", got["x"].KeySource.Kind)
	}
}

func TestResolve_LogsAreSanitized(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	Resolve(log, nil, map[string]string{
		"issuer.bad.client-id":    "super-secret-client",
		"issuer.bad.jwks-content": "",
		"issuer.bad.audience":     "line1\nFORGED",
	})
	out := buf.String()
	if strings.Contains(out, "super-secret-client") {
		t.Fatalf("client id leaked: %s", out)
	}
	if strings.Contains(out, "\nFORGED") {
		t.Fatalf("control characters not escaped: %s", out)
	}
	if !strings.Contains(out, "issuer.skip") {
		t.Fatalf("expected skip log: %s", out)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Spec{Name: " ", KeySource: URL("https://x")}); !errors.Is(err, ErrMissingName) {
		t.Fatalf("want ErrMissingName, got %v", err)
	}
	_, err := New(Spec{Name: "x"})
	var ce *ConfigError
	if !errors.As(err, &ce) || !errors.Is(err, ErrMissingKeySource) || ce.Issuer != "x" {
		t.Fatalf("want ConfigError wrapping ErrMissingKeySource, got %v", err)
	}
	c, err := New(Spec{Name: "x", KeySource: File(" /k.json "), Disabled: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Enabled || c.KeySource.Value != "/k.json" || c.Identifier != "x" {
		t.Fatalf("unexpected config %+v", c)
	}
}

func TestRegistry_SwapReportsStale(t *testing.T) {
	r := NewRegistry()
	a, _ := New(Spec{Name: "a", KeySource: URL("https://a")})
	b, _ := New(Spec{Name: "b", KeySource: URL("https://b")})
	c, _ := New(Spec{Name: "c", KeySource: URL("https://c")})
	if stale := r.Swap([]Config{a, b, c}); len(stale) != 0 {
		t.Fatalf("first swap should report nothing, got %v", stale)
	}

	b2, _ := New(Spec{Name: "b", KeySource: URL("https://b2")})
	c2, _ := New(Spec{Name: "c", KeySource: URL("https://c"), Disabled: true})
	stale := r.Swap([]Config{b2, c2})
	want := map[string]bool{"a": true, "b": true, "c": true}
	if len(stale) != len(want) {
		t.Fatalf("stale = %v", stale)
	}
	for _, n := range stale {
		if !want[n] {
			t.Fatalf("unexpected stale issuer %q", n)
		}
	}

	s := r.Load()
	if _, ok := s.ByIdentifier("c"); ok {
		t.Fatalf("disabled issuer must not be matched by identifier")
	}
	if _, ok := s.Get("c"); !ok {
		t.Fatalf("disabled issuer should remain addressable by name")
	}
}

func TestResolve_DuplicateIdentifierKeepsFirstByName(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	cfgs := Resolve(log, nil, map[string]string{
		"issuer.beta.issuer":    "https://same",
		"issuer.beta.jwks-url":  "https://beta/jwks",
		"issuer.alpha.issuer":   "https://same",
		"issuer.alpha.jwks-url": "https://alpha/jwks",
	})
	if len(cfgs) != 1 || cfgs[0].Name != "alpha" {
		t.Fatalf("resolved = %+v", cfgs)
	}
	if !strings.Contains(buf.String(), "duplicate identifier") {
		t.Fatalf("duplicate not logged: %s", buf.String())
	}
}

func TestNewStore_DuplicateIdentifierIsDeterministic(t *testing.T) {
	alpha, _ := New(Spec{Name: "alpha", Identifier: "https://same", KeySource: URL("https://alpha")})
	beta, _ := New(Spec{Name: "beta", Identifier: "https://same", KeySource: URL("https://beta")})
	for i := 0; i < 100; i++ {
		c, ok := NewStore([]Config{beta, alpha}).ByIdentifier("https://same")
		if !ok || c.Name != "alpha" {
			t.Fatalf("iteration %d: owner = %q", i, c.Name)
		}
	}
}

func TestYAMLSource(t *testing.T) {
	src, err := ParseYAML([]byte(`
issuers:
  keycloak:
    name: https://kc/realms/main
    jwksUri: https://kc/certs
    enabled: true
  empty:
`))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	if !src.IsConfigurationLoaded() {
		t.Fatalf("expected loaded source")
	}
	p := src.IssuerProperties("keycloak")
	if p["jwksUri"] != "https://kc/certs" || p["enabled"] != "true" {
		t.Fatalf("unexpected properties %v", p)
	}
	got := byName(Resolve(discard(), src, nil))
	if got["keycloak"].KeySource != URL("https://kc/certs") {
		t.Fatalf("unexpected resolved config %+v", got["keycloak"])
	}
	if _, ok := got["empty"]; ok {
		t.Fatalf("issuer without properties must be skipped")
	}

	if _, err := ParseYAML([]byte("issuers:\n  x:\n    nested: {a: 1}\n")); err == nil {
		t.Fatalf("expected error for non-scalar property")
	}
}

func TestLoadYAMLFile_Missing(t *testing.T) {
	src, err := LoadYAMLFile(t.TempDir() + "/missing.yaml")
	if err != nil {
		t.Fatalf("LoadYAMLFile: %v", err)
	}
	if src.IsConfigurationLoaded() {
		t.Fatalf("missing file must report not loaded")
	}
}
