// Package keys acquires and caches the JSON Web Key Sets used to verify
// issuer signatures.
//
// A Resolver owns one cache entry per issuer name. Entries are fetched on
// first use, refreshed after their TTL, and replaced wholesale on every
// successful fetch. A failed refresh never evicts a previously fetched set:
// the stale set keeps serving until a fetch succeeds. Concurrent refreshes for
// the same issuer are coalesced into a single fetch, and no lock is held
// across issuers, so a slow provider cannot stall validation for the others.
package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// ErrEmptyKeySet is returned when a document contains no usable signing keys.
var ErrEmptyKeySet = errors.New("keys: key set contains no usable signing keys")

// KeyNotFoundError reports that a token named a key id absent from the set.
type KeyNotFoundError struct {
	KeyID string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("keys: no key with kid %q", e.KeyID)
}

// KeyFetchError reports that key material for an issuer could not be
// retrieved or parsed and no cached set was available.
type KeyFetchError struct {
	Issuer string
	Source string
	Err    error
}

func (e *KeyFetchError) Error() string {
	return fmt.Sprintf("keys: fetch for issuer %q from %s failed: %v", e.Issuer, e.Source, e.Err)
}

func (e *KeyFetchError) Unwrap() error { return e.Err }

// KeySet is an immutable set of public verification keys for one issuer.
type KeySet struct {
	byID    map[string]jose.JSONWebKey
	ordered []jose.JSONWebKey

	FetchedAt time.Time
	TTL       time.Duration
	// Skipped counts entries in the source document that were not usable.
	Skipped int
}

// Parse decodes a JWKS document. Entries that are malformed, symmetric, or
// not meant for signature verification are skipped; the document is rejected
// only when no usable key remains.
func Parse(raw []byte) (*KeySet, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("keys: invalid jwks document: %w", err)
	}

	ks := &KeySet{byID: make(map[string]jose.JSONWebKey, len(doc.Keys))}
	for _, rawKey := range doc.Keys {
		var k jose.JSONWebKey
		if err := k.UnmarshalJSON(rawKey); err != nil {
			ks.Skipped++
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			ks.Skipped++
			continue
		}
		if !k.IsPublic() {
			pub := k.Public()
			if pub.Key == nil {
				ks.Skipped++
				continue
			}
			k = pub
		}
		if !k.Valid() {
			ks.Skipped++
			continue
		}
		ks.ordered = append(ks.ordered, k)
		if k.KeyID != "" {
			if _, dup := ks.byID[k.KeyID]; !dup {
				ks.byID[k.KeyID] = k
			}
		}
	}
	if len(ks.ordered) == 0 {
		return nil, ErrEmptyKeySet
	}
	return ks, nil
}

// Len returns the number of usable keys.
func (ks *KeySet) Len() int { return len(ks.ordered) }

// Lookup returns the key with the given id.
func (ks *KeySet) Lookup(kid string) (jose.JSONWebKey, error) {
	k, ok := ks.byID[kid]
	if !ok {
		return jose.JSONWebKey{}, &KeyNotFoundError{KeyID: kid}
	}
	return k, nil
}

// Candidates returns the keys a token should be tried against: the key named
// by kid, or every key when kid is empty.
func (ks *KeySet) Candidates(kid string) ([]jose.JSONWebKey, error) {
	if kid == "" {
		return append([]jose.JSONWebKey(nil), ks.ordered...), nil
	}
	k, err := ks.Lookup(kid)
	if err != nil {
		return nil, err
	}
	return []jose.JSONWebKey{k}, nil
}

// KeyIDs lists the ids of keys that carry one, in document order.
func (ks *KeySet) KeyIDs() []string {
	var ids []string
	for _, k := range ks.ordered {
		if k.KeyID != "" {
			ids = append(ids, k.KeyID)
		}
	}
	return ids
}

// Expired reports whether the set is past its TTL at now. A zero TTL never
// expires.
func (ks *KeySet) Expired(now time.Time) bool {
	return ks.TTL > 0 && !now.Before(ks.FetchedAt.Add(ks.TTL))
}
