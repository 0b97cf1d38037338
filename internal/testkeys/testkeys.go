// Package testkeys generates signing keys, JWKS documents and signed tokens
// for tests.
package testkeys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Key is a private signing key with its key id and JWS algorithm.
type Key struct {
	KID     string
	Alg     string
	Private crypto.Signer
	method  jwt.SigningMethod
}

// RSA generates a 2048-bit RS256 key.
func RSA(t testing.TB, kid string) *Key {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen rsa key: %v", err)
	}
	return &Key{KID: kid, Alg: "RS256", Private: pk, method: jwt.SigningMethodRS256}
}

// EC generates a P-256 ES256 key.
func EC(t testing.TB, kid string) *Key {
	t.Helper()
	pk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("gen ec key: %v", err)
	}
	return &Key{KID: kid, Alg: "ES256", Private: pk, method: jwt.SigningMethodES256}
}

// JWK returns the public half of k.
func (k *Key) JWK() jose.JSONWebKey {
	return jose.JSONWebKey{Key: k.Private.Public(), KeyID: k.KID, Algorithm: k.Alg, Use: "sig"}
}

// JWKS marshals the public halves of keys into a JWKS document.
func JWKS(t testing.TB, keys ...*Key) []byte {
	t.Helper()
	set := jose.JSONWebKeySet{}
	for _, k := range keys {
		set.Keys = append(set.Keys, k.JWK())
	}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return b
}

// Sign produces a compact JWT over claims. The kid header is set when k.KID
// is non-empty.
func (k *Key) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	return k.SignWithKID(t, k.KID, claims)
}

// SignWithKID signs with an explicit kid header, which may be empty.
func (k *Key) SignWithKID(t testing.TB, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(k.method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(k.Private)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}
