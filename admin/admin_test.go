package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/jwtgateway/broker"
	"github.com/ggoodman/jwtgateway/broker/memory"
	"github.com/ggoodman/jwtgateway/internal/testkeys"
	"github.com/ggoodman/jwtgateway/issuer"
	"github.com/ggoodman/jwtgateway/keys"
	"github.com/ggoodman/jwtgateway/metrics"
	"github.com/ggoodman/jwtgateway/token"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	resolver *keys.Resolver
	issuers  *issuer.Registry
	metrics  *metrics.Aggregator
	broker   *memory.Broker
	h        *Handler
	jwks     []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	k := testkeys.RSA(t, "k1")
	jwks := testkeys.JWKS(t, k)
	cfg, err := issuer.New(issuer.Spec{Name: "kc", Identifier: "https://kc", KeySource: issuer.Content(string(jwks))})
	if err != nil {
		t.Fatalf("issuer.New: %v", err)
	}
	other, err := issuer.New(issuer.Spec{Name: "auth0", Identifier: "https://auth0", KeySource: issuer.URL("https://auth0.example.com/jwks")})
	if err != nil {
		t.Fatalf("issuer.New: %v", err)
	}
	reg := issuer.NewRegistry()
	reg.Swap([]issuer.Config{cfg, other})

	r := keys.NewResolver(keys.WithLogger(discard()))
	m := metrics.New()
	b := memory.New()
	return &fixture{
		resolver: r,
		issuers:  reg,
		metrics:  m,
		broker:   b,
		jwks:     jwks,
		h:        New(r, reg, m, WithLogger(discard()), WithBroker(b)),
	}
}

func (f *fixture) post(t *testing.T, path, body string) (*httptest.ResponseRecorder, keys.ValidationResult) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	var res keys.ValidationResult
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
			t.Fatalf("decode %s: %v", rec.Body.String(), err)
		}
	}
	return rec, res
}

func valueBody(t *testing.T, v string) string {
	t.Helper()
	b, err := json.Marshal(map[string]string{"value": v})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestValidate_Content(t *testing.T) {
	f := newFixture(t)

	rec, res := f.post(t, "/validate/jwks-content", valueBody(t, string(f.jwks)))
	if rec.Code != http.StatusOK || !res.Valid || res.KeyCount != 1 {
		t.Fatalf("status=%d result=%+v", rec.Code, res)
	}

	rec, res = f.post(t, "/validate/jwks-content", valueBody(t, `{"keys":[]}`))
	if rec.Code != http.StatusOK || res.Valid || res.Message == "" {
		t.Fatalf("empty set: status=%d result=%+v", rec.Code, res)
	}
	if strings.Contains(rec.Body.String(), "keyCount") {
		t.Fatalf("failure response should omit keyCount: %s", rec.Body.String())
	}
}

func TestValidate_URLAndFile(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(f.jwks)
	}))
	defer srv.Close()

	if _, res := f.post(t, "/validate/jwks-url", valueBody(t, srv.URL)); !res.Valid || res.KeyCount != 1 {
		t.Fatalf("url result = %+v", res)
	}

	path := filepath.Join(t.TempDir(), "jwks.json")
	if err := os.WriteFile(path, f.jwks, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, res := f.post(t, "/validate/jwks-file", valueBody(t, path)); !res.Valid {
		t.Fatalf("file result = %+v", res)
	}
	if _, res := f.post(t, "/validate/jwks-file", valueBody(t, path+".missing")); res.Valid {
		t.Fatalf("missing file reported valid")
	}
}

func TestValidate_BadRequests(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		path   string
		ctype  string
		body   string
		status int
	}{
		{"unknown kind", "/validate/jwks-ftp", "application/json", `{"value":"x"}`, http.StatusNotFound},
		{"wrong content type", "/validate/jwks-url", "text/plain", `{"value":"x"}`, http.StatusUnsupportedMediaType},
		{"bad json", "/validate/jwks-url", "application/json", `{`, http.StatusBadRequest},
		{"empty value", "/validate/jwks-url", "application/json", `{"value":""}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.ctype)
			rec := httptest.NewRecorder()
			f.h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestIssuers(t *testing.T) {
	f := newFixture(t)
	kc, _ := f.issuers.Load().Get("kc")
	if _, err := f.resolver.KeySet(context.Background(), kc); err != nil {
		t.Fatalf("KeySet: %v", err)
	}

	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/issuers", nil))
	var got []IssuerStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].Name != "auth0" || got[1].Name != "kc" {
		t.Fatalf("issuers = %+v", got)
	}
	if got[0].CachedKeys != 0 || got[0].FetchedAt != nil {
		t.Fatalf("auth0 should not be cached: %+v", got[0])
	}
	if got[1].CachedKeys != 1 || got[1].FetchedAt == nil || got[1].KeySource != "content:***" {
		t.Fatalf("kc status = %+v", got[1])
	}
	if strings.Contains(rec.Body.String(), `"keys"`) {
		t.Fatalf("inline JWKS content leaked: %s", rec.Body.String())
	}
}

func TestMetricsEndpoints(t *testing.T) {
	f := newFixture(t)
	f.metrics.RecordValidation("kc", 3*time.Millisecond, nil)
	f.metrics.RecordValidation("", time.Millisecond, &token.Error{Kind: token.KindUnknownIssuer})

	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/snapshot", nil))
	var snap metrics.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Issuers["kc"].Success != 1 || snap.Issuers[metrics.UnknownIssuer].Failure != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	rec = httptest.NewRecorder()
	f.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`jwtgateway_token_validations_total{issuer="kc",result="success"} 1`,
		`jwtgateway_token_validation_failures_total{issuer="unknown",reason="UnknownIssuer"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("prometheus output missing %q:\n%s", want, body)
		}
	}

	rec = httptest.NewRecorder()
	f.h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics/reset", nil))
	if rec.Code != http.StatusNoContent || len(f.metrics.Snapshot().Issuers) != 0 {
		t.Fatalf("reset status=%d", rec.Code)
	}
}

func TestWorkUnitSchema(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/schema/work-unit", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var s struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Type != "object" {
		t.Fatalf("type = %q", s.Type)
	}
	for _, p := range []string{"id", "connection", "route", "attributes", "body"} {
		if _, ok := s.Properties[p]; !ok {
			t.Fatalf("schema missing property %q: %s", p, rec.Body.String())
		}
	}
	if !strings.Contains(string(s.Properties["connection"]), "Downstream routing label") {
		t.Fatalf("description not reflected: %s", s.Properties["connection"])
	}
}

// readEvent reads one SSE frame as field -> value.
func readEvent(t *testing.T, r *bufio.Reader) map[string]string {
	t.Helper()
	ev := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v (partial %v)", err, ev)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if len(ev) == 0 {
				continue
			}
			return ev
		}
		k, v, _ := strings.Cut(line, ": ")
		ev[k] = v
	}
}

func TestEvents_ResumeAfterLastEventID(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.h)
	defer srv.Close()

	ctx := context.Background()
	first, err := f.broker.Publish(ctx, "data", broker.WorkUnit{ID: "u1", Connection: "data"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	second, err := f.broker.Publish(ctx, "data", broker.WorkUnit{ID: "u2", Connection: "data", Attributes: map[string]string{broker.AttrAuthorized: "true"}})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(rctx, http.MethodGet, srv.URL+"/connections/data/events", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(lastEventIDHeader, first)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("status=%d content-type=%q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	ev := readEvent(t, bufio.NewReader(resp.Body))
	if ev["id"] != second {
		t.Fatalf("event id = %q, want %q", ev["id"], second)
	}
	u, err := broker.Decode([]byte(ev["data"]))
	if err != nil {
		t.Fatalf("decode unit: %v", err)
	}
	if u.ID != "u2" || u.Attributes[broker.AttrAuthorized] != "true" {
		t.Fatalf("unit = %+v", u)
	}
}

func TestEvents_UnknownLastEventID(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.h)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/connections/data/events", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(lastEventIDHeader, "12345")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	ev := readEvent(t, bufio.NewReader(resp.Body))
	if ev["event"] != "reset" {
		t.Fatalf("event = %v", ev)
	}
}

func TestEvents_RequiresEventStreamAccept(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/connections/data/events", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotAcceptable {
		t.Fatalf("status = %d", rec.Code)
	}
}
