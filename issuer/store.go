package issuer

import (
	"sort"
	"sync/atomic"
)

// Store is an immutable snapshot of issuer configurations.
type Store struct {
	byName map[string]Config
	// byIdentifier indexes enabled issuers only.
	byIdentifier map[string]Config
	names        []string
}

// NewStore builds a snapshot from configs. When two configs share a name,
// the later one wins. When enabled configs share an identifier, the first by
// name owns it.
func NewStore(configs []Config) *Store {
	s := &Store{
		byName:       make(map[string]Config, len(configs)),
		byIdentifier: make(map[string]Config, len(configs)),
	}
	for _, c := range configs {
		s.byName[c.Name] = c
	}
	for name := range s.byName {
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	for _, name := range s.names {
		c := s.byName[name]
		if !c.Enabled {
			continue
		}
		if _, taken := s.byIdentifier[c.Identifier]; !taken {
			s.byIdentifier[c.Identifier] = c
		}
	}
	return s
}

// Get returns the issuer registered under name.
func (s *Store) Get(name string) (Config, bool) {
	if s == nil {
		return Config{}, false
	}
	c, ok := s.byName[name]
	return c, ok
}

// ByIdentifier returns the enabled issuer whose identifier exactly equals iss.
func (s *Store) ByIdentifier(iss string) (Config, bool) {
	if s == nil {
		return Config{}, false
	}
	c, ok := s.byIdentifier[iss]
	return c, ok
}

// Names returns all issuer names in sorted order.
func (s *Store) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.names...)
}

// Len reports the number of issuers in the snapshot.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byName)
}

// Registry publishes the current Store. Readers always observe one complete
// snapshot.
type Registry struct {
	cur atomic.Pointer[Store]
}

// NewRegistry returns a Registry holding an empty Store.
func NewRegistry() *Registry {
	r := &Registry{}
	r.cur.Store(NewStore(nil))
	return r
}

// Load returns the current snapshot.
func (r *Registry) Load() *Store {
	return r.cur.Load()
}

// Swap installs a snapshot built from configs and returns the names of
// issuers whose cached key material is no longer valid: those removed,
// disabled, or whose key source changed.
func (r *Registry) Swap(configs []Config) (stale []string) {
	next := NewStore(configs)
	prev := r.cur.Swap(next)
	for _, name := range prev.Names() {
		old, _ := prev.Get(name)
		cur, ok := next.Get(name)
		switch {
		case !ok, !cur.Enabled, !cur.KeySource.Equal(old.KeySource):
			stale = append(stale, name)
		}
	}
	return stale
}
