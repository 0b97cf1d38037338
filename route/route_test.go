package route

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestParse_DefaultsAndLists(t *testing.T) {
	tbl := Parse(map[string]string{
		"restapi.data.path":            "/api/data/",
		"restapi.data.methods":         "post, put",
		"restapi.data.required-roles":  "admin, ops",
		"restapi.data.required-scopes": "write",
		"restapi.data.schema":          `{"type":"object"}`,
		"unrelated.key":                "x",
	}, discard())
	if tbl.Len() != 1 {
		t.Fatalf("want 1 route, got %d", tbl.Len())
	}
	d := tbl.Routes()[0]
	if d.Path != "/api/data" {
		t.Fatalf("trailing slash not trimmed: %q", d.Path)
	}
	if len(d.Methods) != 2 || d.Methods[0] != "POST" || d.Methods[1] != "PUT" {
		t.Fatalf("methods = %v", d.Methods)
	}
	if len(d.RequiredRoles) != 2 || d.RequiredScopes[0] != "write" {
		t.Fatalf("roles/scopes = %v / %v", d.RequiredRoles, d.RequiredScopes)
	}
	if !d.Enabled || !d.CreateFlowfile || d.ConnectionName != "data" || !d.RequiresAuth() {
		t.Fatalf("unexpected defaults %+v", d)
	}
}

func TestParse_SkipsInvalidEntries(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	tbl := Parse(map[string]string{
		"restapi.bad name.path":        "/x",
		"restapi.nopath.methods":       "GET",
		"restapi.relative.path":        "x/y",
		"restapi.badbool.path":         "/b",
		"restapi.badbool.enabled":      "yes",
		"restapi.badorder.path":        "/o",
		"restapi.badorder.order":       "first",
		"restapi.good.path":            "/good",
		"restapi.good.create-flowfile": "false",
	}, log)
	if tbl.Len() != 1 || tbl.Routes()[0].Name != "good" {
		t.Fatalf("only the valid route should survive: %+v", tbl.Routes())
	}
	if tbl.Routes()[0].CreateFlowfile {
		t.Fatalf("create-flowfile=false not honored")
	}
	if got := strings.Count(buf.String(), "route.skip"); got != 5 {
		t.Fatalf("want 5 skip logs, got %d: %s", got, buf.String())
	}
}

func TestParse_OrderIndependent(t *testing.T) {
	a := map[string]string{
		"restapi.b.path": "/b", "restapi.a.path": "/a", "restapi.a.methods": "GET",
	}
	b := map[string]string{
		"restapi.a.methods": "GET", "restapi.a.path": "/a", "restapi.b.path": "/b",
	}
	ra, rb := Parse(a, discard()).Routes(), Parse(b, discard()).Routes()
	if len(ra) != 2 || len(rb) != 2 || ra[0].Name != rb[0].Name || ra[0].Methods[0] != rb[0].Methods[0] {
		t.Fatalf("parse depends on input order: %+v vs %+v", ra, rb)
	}
}

func TestTable_Match(t *testing.T) {
	tbl := Parse(map[string]string{
		"restapi.catchall.path":  "/",
		"restapi.catchall.order": "100",
		"restapi.health.path":    "/api/health",
		"restapi.health.methods": "GET",
		"restapi.data.path":      "/api/data",
		"restapi.data.methods":   "POST",
		"restapi.off.path":       "/api/off",
		"restapi.off.enabled":    "false",
	}, discard())

	cases := []struct {
		method, path string
		want         string
	}{
		{"GET", "/api/health", "health"},
		{"get", "/api/health/deep", "health"},
		{"POST", "/api/health", "catchall"},
		{"POST", "/api/data", "data"},
		{"POST", "/api/datax", "catchall"},
		{"GET", "/api/off", "catchall"},
	}
	for _, tc := range cases {
		got, ok := tbl.Match(tc.method, tc.path)
		if !ok || got.Name != tc.want {
			t.Fatalf("%s %s: want %q, got %q (%v)", tc.method, tc.path, tc.want, got.Name, ok)
		}
	}

	noCatchAll := Parse(map[string]string{"restapi.data.path": "/api/data", "restapi.data.methods": "POST"}, discard())
	if _, ok := noCatchAll.Match("GET", "/api/data"); ok {
		t.Fatalf("method mismatch must not match")
	}
	if _, ok := noCatchAll.Match("POST", "/elsewhere"); ok {
		t.Fatalf("unrelated path must not match")
	}
}

func TestRegistry_Swap(t *testing.T) {
	r := NewRegistry()
	if r.Load().Len() != 0 {
		t.Fatalf("new registry should be empty")
	}
	r.Swap(Parse(map[string]string{"restapi.x.path": "/x"}, discard()))
	if _, ok := r.Load().Match("GET", "/x"); !ok {
		t.Fatalf("swapped table not visible")
	}
}
