package issuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ggoodman/jwtgateway/internal/logsafe"
	"github.com/ggoodman/jwtgateway/internal/props"
)

// PropertyPrefix is the namespace of inline issuer properties.
const PropertyPrefix = "issuer"

// Recognized issuer property keys.
const (
	PropName        = "name"
	PropIssuer      = "issuer"
	PropEnabled     = "enabled"
	PropJWKSURL     = "jwks-url"
	PropJWKSURI     = "jwksUri"
	PropJWKSFile    = "jwks-file"
	PropJWKSContent = "jwks-content"
	PropAudience    = "audience"
	PropClientID    = "client-id"
)

// ErrDisabled marks an issuer explicitly disabled in configuration.
var ErrDisabled = errors.New("issuer: disabled")

// ExternalSource is a configuration source that takes precedence over inline
// properties.
type ExternalSource interface {
	IsConfigurationLoaded() bool
	IssuerIDs() []string
	IssuerProperties(id string) map[string]string
}

// Resolve merges issuer definitions from ext (may be nil) and inline
// "issuer.<name>.<property>" properties. For every (issuer, property) pair the
// external value wins. Entries that are disabled or invalid are logged and
// excluded without affecting the others. The result is sorted by name.
func Resolve(log *slog.Logger, ext ExternalSource, inline map[string]string) []Config {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "issuer"), slog.String("op", "resolve"))

	bags := props.Group(PropertyPrefix, inline)

	if ext != nil && ext.IsConfigurationLoaded() {
		for _, id := range ext.IssuerIDs() {
			bag, ok := bags[id]
			if !ok {
				bag = make(props.Bag)
				bags[id] = bag
			}
			for k, v := range ext.IssuerProperties(id) {
				if _, had := bag[k]; had {
					log.Debug("issuer.property.override",
						slog.String("issuer", logsafe.Escape(id)),
						slog.String("property", logsafe.Escape(k)))
				}
				bag[k] = v
			}
		}
	}

	var out []Config
	owners := map[string]string{}
	for _, id := range props.Names(bags) {
		cfg, err := fromBag(id, bags[id])
		if err == nil {
			if owner, dup := owners[cfg.Identifier]; dup {
				err = &ConfigError{Issuer: id, Err: fmt.Errorf("%w: %q already used by %q", ErrDuplicateIdentifier, logsafe.Escape(cfg.Identifier), owner)}
			} else {
				owners[cfg.Identifier] = id
			}
		}
		if err != nil {
			lvl := slog.LevelWarn
			if errors.Is(err, ErrDisabled) {
				lvl = slog.LevelInfo
			}
			log.Log(context.Background(), lvl, "issuer.skip",
				slog.String("issuer", logsafe.Escape(id)),
				slog.String("reason", err.Error()),
				logsafe.Props("props", bags[id]))
			continue
		}
		log.Debug("issuer.resolved",
			slog.String("issuer", logsafe.Escape(cfg.Name)),
			slog.String("key_source", logsafe.Escape(cfg.KeySource.Describe())))
		out = append(out, cfg)
	}
	return out
}

func fromBag(id string, bag props.Bag) (Config, error) {
	if v, ok := bag[PropEnabled]; ok && strings.EqualFold(strings.TrimSpace(v), "false") {
		return Config{}, &ConfigError{Issuer: id, Err: ErrDisabled}
	}

	if strings.TrimSpace(id) == "" {
		return Config{}, &ConfigError{Issuer: id, Err: ErrMissingName}
	}
	ident, ok := bag.Get(PropIssuer, PropName)
	if !ok {
		ident = strings.TrimSpace(id)
	}

	src, ok := keySourceFromBag(bag)
	if !ok {
		return Config{}, &ConfigError{Issuer: id, Err: ErrMissingKeySource}
	}

	spec := Spec{Name: id, Identifier: ident, KeySource: src}
	if v, ok := bag.Get(PropAudience); ok {
		spec.Audience = v
	}
	if v, ok := bag.Get(PropClientID); ok {
		spec.ClientID = v
	}
	return New(spec)
}

// keySourceFromBag picks the first configured key source in priority order:
// URL, legacy YAML jwksUri, file, inline content.
func keySourceFromBag(bag props.Bag) (KeySource, bool) {
	if v, ok := bag.Get(PropJWKSURL, PropJWKSURI); ok {
		return URL(v), true
	}
	if v, ok := bag.Get(PropJWKSFile); ok {
		return File(v), true
	}
	if v, ok := bag.Get(PropJWKSContent); ok {
		return Content(v), true
	}
	return KeySource{}, false
}
