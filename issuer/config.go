// Package issuer holds the configuration of trusted token issuers: the
// immutable Config value, the Store snapshot consulted during validation and
// the resolver that merges issuer definitions from an external configuration
// source and inline "issuer.<name>.<property>" properties.
package issuer

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxTokenSizeBytes bounds the size of a bearer token accepted for
// parsing.
const DefaultMaxTokenSizeBytes = 16384

// KeySourceKind identifies where an issuer's JSON Web Key Set comes from.
type KeySourceKind int

const (
	KeySourceNone KeySourceKind = iota
	KeySourceURL
	KeySourceFile
	KeySourceContent
)

func (k KeySourceKind) String() string {
	switch k {
	case KeySourceURL:
		return "url"
	case KeySourceFile:
		return "file"
	case KeySourceContent:
		return "content"
	default:
		return "none"
	}
}

// KeySource is a tagged variant: exactly one kind with its value.
type KeySource struct {
	Kind  KeySourceKind
	Value string
}

func URL(u string) KeySource        { return KeySource{Kind: KeySourceURL, Value: u} }
func File(path string) KeySource    { return KeySource{Kind: KeySourceFile, Value: path} }
func Content(jwks string) KeySource { return KeySource{Kind: KeySourceContent, Value: jwks} }

func (s KeySource) IsZero() bool { return s.Kind == KeySourceNone }

func (s KeySource) Equal(o KeySource) bool { return s.Kind == o.Kind && s.Value == o.Value }

// Describe returns a log-safe description of the source. Inline content is
// never rendered.
func (s KeySource) Describe() string {
	switch s.Kind {
	case KeySourceURL, KeySourceFile:
		return s.Kind.String() + ":" + s.Value
	case KeySourceContent:
		return "content:***"
	default:
		return "none"
	}
}

// Config is the validated identity of one trusted issuer. Values are
// immutable once returned by New.
type Config struct {
	// Name is the unique logical key within a Store.
	Name string
	// Identifier must equal the token's "iss" claim exactly.
	Identifier string
	KeySource  KeySource
	// Audience, when non-empty, must be contained in the token's "aud" claim.
	Audience string
	// ClientID, when non-empty, must equal the token's "azp" or "client_id" claim.
	ClientID string
	Enabled  bool
}

// Spec carries the raw inputs to New.
type Spec struct {
	Name       string
	Identifier string
	KeySource  KeySource
	Audience   string
	ClientID   string
	// Disabled inverts the default-enabled state.
	Disabled bool
}

var (
	ErrMissingName      = errors.New("issuer: name is required")
	ErrMissingKeySource = errors.New("issuer: no key source configured")

	// ErrDuplicateIdentifier excludes an issuer whose identifier is already
	// owned by an issuer earlier in name order.
	ErrDuplicateIdentifier = errors.New("issuer: duplicate identifier")
)

// ConfigError reports why an issuer definition was excluded.
type ConfigError struct {
	Issuer string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("issuer %q: %v", e.Issuer, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// New validates s and returns the corresponding Config. It never panics;
// callers iterating many issuers skip entries that return an error.
func New(s Spec) (Config, error) {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return Config{}, &ConfigError{Issuer: s.Name, Err: ErrMissingName}
	}
	if s.KeySource.IsZero() || strings.TrimSpace(s.KeySource.Value) == "" {
		return Config{}, &ConfigError{Issuer: name, Err: ErrMissingKeySource}
	}
	id := strings.TrimSpace(s.Identifier)
	if id == "" {
		id = name
	}
	return Config{
		Name:       name,
		Identifier: id,
		KeySource:  KeySource{Kind: s.KeySource.Kind, Value: strings.TrimSpace(s.KeySource.Value)},
		Audience:   strings.TrimSpace(s.Audience),
		ClientID:   strings.TrimSpace(s.ClientID),
		Enabled:    !s.Disabled,
	}, nil
}

// ParserConfig holds validation limits applied to every token.
type ParserConfig struct {
	MaxTokenSizeBytes int
}

// DefaultParserConfig returns the default validation limits.
func DefaultParserConfig() ParserConfig {
	return ParserConfig{MaxTokenSizeBytes: DefaultMaxTokenSizeBytes}
}

// Normalize fills zero fields with defaults.
func (p ParserConfig) Normalize() ParserConfig {
	if p.MaxTokenSizeBytes <= 0 {
		p.MaxTokenSizeBytes = DefaultMaxTokenSizeBytes
	}
	return p
}
