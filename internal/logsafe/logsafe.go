// Package logsafe sanitizes configuration values and token fragments before
// they reach a log sink.
package logsafe

import (
	"log/slog"
	"sort"
	"strings"
)

// Mask replaces sensitive values in logs.
const Mask = "***"

// fragmentLen is how many leading characters of a token are kept by Fragment.
const fragmentLen = 10

var sensitiveKeys = map[string]struct{}{
	"client-id":     {},
	"jwks-content":  {},
	"client-secret": {},
}

var escaper = strings.NewReplacer("\n", `\n`, "\r", `\r`, "\t", `\t`)

// IsSensitive reports whether values stored under key must always be masked.
// Both bare property names ("client-id") and fully qualified keys
// ("issuer.kc.client-id") are recognized.
func IsSensitive(key string) bool {
	k := strings.ToLower(key)
	if i := strings.LastIndexByte(k, '.'); i >= 0 {
		k = k[i+1:]
	}
	_, ok := sensitiveKeys[k]
	return ok
}

// Escape neutralizes control characters that could forge log lines.
func Escape(v string) string {
	return escaper.Replace(v)
}

// Value returns v as it may be logged under key: masked when the key is
// sensitive, escaped otherwise.
func Value(key, v string) string {
	if IsSensitive(key) {
		return Mask
	}
	return Escape(v)
}

// Attr builds a slog attribute for a configuration property.
func Attr(key, v string) slog.Attr {
	return slog.String(key, Value(key, v))
}

// Props renders a property bag as a slog group with every value sanitized.
// Keys are emitted in sorted order so log output is stable.
func Props(name string, bag map[string]string) slog.Attr {
	keys := make([]string, 0, len(bag))
	for k := range bag {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, Attr(Escape(k), bag[k]))
	}
	return slog.Group(name, attrs...)
}

// Fragment returns a short, escaped prefix of a raw token suitable for
// operator diagnosis. The signature segment is never included.
func Fragment(tok string) string {
	if i := strings.IndexByte(tok, '.'); i >= 0 && i < fragmentLen {
		tok = tok[:i]
	}
	if len(tok) > fragmentLen {
		tok = tok[:fragmentLen]
	}
	return Escape(tok) + "..."
}
