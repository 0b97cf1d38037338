// Package route parses gateway route definitions from
// "restapi.<name>.<property>" properties and matches requests against them.
package route

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/ggoodman/jwtgateway/internal/logsafe"
	"github.com/ggoodman/jwtgateway/internal/props"
)

// PropertyPrefix is the namespace of route properties.
const PropertyPrefix = "restapi"

const (
	PropPath           = "path"
	PropMethods        = "methods"
	PropEnabled        = "enabled"
	PropRequiredRoles  = "required-roles"
	PropRequiredScopes = "required-scopes"
	PropSchema         = "schema"
	PropCreateFlowfile = "create-flowfile"
	PropConnectionName = "connection-name"
	PropOrder          = "order"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var (
	ErrInvalidName = errors.New("route: name must match [A-Za-z0-9_-]+")
	ErrMissingPath = errors.New("route: path is required")
	ErrInvalidPath = errors.New("route: path must start with '/'")
)

// ConfigError reports why a route definition was skipped.
type ConfigError struct {
	Route string
	Err   error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("route %q: %v", e.Route, e.Err) }

func (e *ConfigError) Unwrap() error { return e.Err }

// Definition is one configured route.
type Definition struct {
	Name    string
	Path    string
	Methods []string
	Enabled bool

	RequiredRoles  []string
	RequiredScopes []string

	// Schema is inline JSON Schema or a path to a schema file.
	Schema string

	// CreateFlowfile selects downstream work (true) or a direct response.
	CreateFlowfile bool
	ConnectionName string

	Order int
}

// RequiresAuth reports whether a bearer token is mandatory.
func (d Definition) RequiresAuth() bool {
	return len(d.RequiredRoles) > 0 || len(d.RequiredScopes) > 0
}

// AllowsMethod reports whether method is accepted. An empty set accepts all.
func (d Definition) AllowsMethod(method string) bool {
	if len(d.Methods) == 0 {
		return true
	}
	for _, m := range d.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// MatchesPath reports whether p falls under the route's path on segment
// boundaries: "/api" matches "/api" and "/api/x" but not "/apix".
func (d Definition) MatchesPath(p string) bool {
	if d.Path == "/" {
		return strings.HasPrefix(p, "/")
	}
	return p == d.Path || strings.HasPrefix(p, d.Path+"/")
}

// Table is an ordered, immutable list of routes.
type Table struct {
	routes []Definition
}

// NewTable orders defs by Order then Name.
func NewTable(defs []Definition) Table {
	out := append([]Definition(nil), defs...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return Table{routes: out}
}

// Routes returns a copy of the table's definitions in match order.
func (t Table) Routes() []Definition { return append([]Definition(nil), t.routes...) }

func (t Table) Len() int { return len(t.routes) }

// Match returns the first enabled route whose path and method accept the
// request.
func (t Table) Match(method, path string) (Definition, bool) {
	for _, r := range t.routes {
		if r.Enabled && r.MatchesPath(path) && r.AllowsMethod(method) {
			return r, true
		}
	}
	return Definition{}, false
}

// Parse builds a Table from the "restapi.*" entries of in. Invalid entries
// are logged and skipped.
func Parse(in map[string]string, log *slog.Logger) Table {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "route"), slog.String("op", "parse"))

	groups := props.Group(PropertyPrefix, in)
	var defs []Definition
	for _, name := range props.Names(groups) {
		d, err := fromBag(name, groups[name])
		if err != nil {
			log.Log(context.Background(), slog.LevelWarn, "route.skip",
				slog.String("route", logsafe.Escape(name)),
				slog.String("reason", logsafe.Escape(err.Error())),
				logsafe.Props("props", groups[name]))
			continue
		}
		defs = append(defs, d)
	}
	return NewTable(defs)
}

func fromBag(name string, bag props.Bag) (Definition, error) {
	if !validName.MatchString(name) {
		return Definition{}, &ConfigError{Route: name, Err: ErrInvalidName}
	}
	path, ok := bag.Get(PropPath)
	if !ok {
		return Definition{}, &ConfigError{Route: name, Err: ErrMissingPath}
	}
	if !strings.HasPrefix(path, "/") {
		return Definition{}, &ConfigError{Route: name, Err: ErrInvalidPath}
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}

	d := Definition{
		Name:           name,
		Path:           path,
		RequiredRoles:  props.List(bag[PropRequiredRoles]),
		RequiredScopes: props.List(bag[PropRequiredScopes]),
		ConnectionName: name,
	}
	for _, m := range props.List(bag[PropMethods]) {
		d.Methods = append(d.Methods, strings.ToUpper(m))
	}
	var errs []error
	var err error
	if d.Enabled, err = props.Bool(bag[PropEnabled], true); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", PropEnabled, err))
	}
	if d.CreateFlowfile, err = props.Bool(bag[PropCreateFlowfile], true); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", PropCreateFlowfile, err))
	}
	if v, ok := bag.Get(PropConnectionName); ok {
		d.ConnectionName = v
	}
	if v, ok := bag.Get(PropSchema); ok {
		d.Schema = v
	}
	if v, ok := bag.Get(PropOrder); ok {
		if d.Order, err = strconv.Atoi(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", PropOrder, err))
		}
	}
	if len(errs) > 0 {
		return Definition{}, &ConfigError{Route: name, Err: errors.Join(errs...)}
	}
	return d, nil
}

// Registry publishes the current Table.
type Registry struct {
	cur atomic.Pointer[Table]
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.cur.Store(&Table{})
	return r
}

func (r *Registry) Load() Table { return *r.cur.Load() }

func (r *Registry) Swap(t Table) { r.cur.Store(&t) }
