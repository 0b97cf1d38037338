// Package props implements the dynamic property conventions shared by issuer
// and route configuration: "<prefix>.<name>.<property>" keys grouped into
// per-name property bags, comma-separated lists and a properties-file reader.
package props

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/magiconair/properties"
)

// Bag is the set of properties collected for one named entry.
type Bag map[string]string

// Get returns the trimmed value for the first of keys that is present and
// non-blank.
func (b Bag) Get(keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := b[k]; ok {
			if v = strings.TrimSpace(v); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

// Group buckets every "<prefix>.<name>.<property>" entry of in by <name>.
// Entries that do not carry the prefix, or that lack a name or property
// segment, are ignored. The result does not depend on iteration order of in.
func Group(prefix string, in map[string]string) map[string]Bag {
	p := prefix + "."
	out := make(map[string]Bag)
	for k, v := range in {
		if !strings.HasPrefix(k, p) {
			continue
		}
		rest := k[len(p):]
		i := strings.IndexByte(rest, '.')
		if i <= 0 || i == len(rest)-1 {
			continue
		}
		name, prop := rest[:i], rest[i+1:]
		bag, ok := out[name]
		if !ok {
			bag = make(Bag)
			out[name] = bag
		}
		bag[prop] = v
	}
	return out
}

// Names returns the keys of groups in sorted order.
func Names(groups map[string]Bag) []string {
	names := make([]string, 0, len(groups))
	for n := range groups {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// List splits a comma-separated value, trimming blanks and dropping empty
// elements.
func List(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Bool interprets v as a boolean, returning def when v is blank.
// Only "true" and "false" (case-insensitive) are recognized.
func Bool(v string, def bool) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return def, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return def, fmt.Errorf("invalid boolean %q", v)
	}
}

// ReadFile loads a Java properties file encoded as UTF-8.
func ReadFile(path string) (map[string]string, error) {
	p, err := loader().LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("props: %w", err)
	}
	return p.Map(), nil
}

// Read parses Java properties syntax from r. Values are taken literally:
// "${...}" references are not expanded.
func Read(r io.Reader) (map[string]string, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("props: %w", err)
	}
	p, err := loader().LoadBytes(buf)
	if err != nil {
		return nil, fmt.Errorf("props: %w", err)
	}
	return p.Map(), nil
}

func loader() *properties.Loader {
	return &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
}
