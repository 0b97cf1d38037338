// Package schema compiles and applies the JSON Schemas that routes use to
// validate request bodies.
package schema

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ErrEmptyRef is returned by Compile for a blank reference.
var ErrEmptyRef = errors.New("schema: empty reference")

// ValidationError lists why a document failed validation.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return "schema: document is invalid"
	}
	return "schema: " + strings.Join(e.Details, "; ")
}

// Schema is a compiled JSON Schema. It is safe for concurrent use.
type Schema struct {
	s *gojsonschema.Schema
}

// Compile loads ref, which is either inline JSON (starting with '{') or a
// path to a schema file.
func Compile(ref string) (*Schema, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrEmptyRef
	}
	var loader gojsonschema.JSONLoader
	if strings.HasPrefix(ref, "{") {
		loader = gojsonschema.NewStringLoader(ref)
	} else {
		raw, err := os.ReadFile(ref)
		if err != nil {
			return nil, fmt.Errorf("schema: read %s: %w", ref, err)
		}
		loader = gojsonschema.NewBytesLoader(raw)
	}
	s, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}
	return &Schema{s: s}, nil
}

// Validate checks body against the schema. Bodies that are not JSON fail
// with a *ValidationError as well.
func (s *Schema) Validate(body []byte) error {
	res, err := s.s.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return &ValidationError{Details: []string{"body is not valid JSON"}}
	}
	if res.Valid() {
		return nil
	}
	details := make([]string, 0, len(res.Errors()))
	for _, re := range res.Errors() {
		details = append(details, re.String())
	}
	return &ValidationError{Details: details}
}

type cacheEntry struct {
	s   *Schema
	err error
}

// Cache memoizes compiled schemas per route. Compile failures are memoized
// too until the next Reset.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewCache() *Cache { return &Cache{entries: make(map[string]cacheEntry)} }

// Get returns the compiled schema for a route's reference.
func (c *Cache) Get(route, ref string) (*Schema, error) {
	key := route + "\x00" + ref
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return e.s, e.err
	}
	s, err := Compile(ref)
	c.mu.Lock()
	c.entries[key] = cacheEntry{s: s, err: err}
	c.mu.Unlock()
	return s, err
}

// Reset drops every compiled schema, typically when routes are reloaded.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len reports the number of memoized entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
