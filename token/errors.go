package token

import (
	"errors"
	"fmt"
)

// Kind classifies why a token was rejected.
type Kind int

const (
	KindNone Kind = iota
	KindTokenTooLarge
	KindMalformedToken
	KindUnknownIssuer
	KindSignatureInvalid
	KindTokenExpired
	KindAudienceMismatch
	KindClientIDMismatch
)

var (
	ErrTokenTooLarge    = errors.New("token too large")
	ErrMalformedToken   = errors.New("malformed token")
	ErrUnknownIssuer    = errors.New("unknown issuer")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrTokenExpired     = errors.New("token expired")
	ErrAudienceMismatch = errors.New("audience mismatch")
	ErrClientIDMismatch = errors.New("client id mismatch")
)

var kindInfo = map[Kind]struct {
	name     string
	sentinel error
}{
	KindTokenTooLarge:    {"TokenTooLarge", ErrTokenTooLarge},
	KindMalformedToken:   {"MalformedToken", ErrMalformedToken},
	KindUnknownIssuer:    {"UnknownIssuer", ErrUnknownIssuer},
	KindSignatureInvalid: {"SignatureInvalid", ErrSignatureInvalid},
	KindTokenExpired:     {"TokenExpired", ErrTokenExpired},
	KindAudienceMismatch: {"AudienceMismatch", ErrAudienceMismatch},
	KindClientIDMismatch: {"ClientIdMismatch", ErrClientIDMismatch},
}

func (k Kind) String() string {
	if i, ok := kindInfo[k]; ok {
		return i.name
	}
	return "None"
}

// Kinds lists every rejection kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindTokenTooLarge,
		KindMalformedToken,
		KindUnknownIssuer,
		KindSignatureInvalid,
		KindTokenExpired,
		KindAudienceMismatch,
		KindClientIDMismatch,
	}
}

// Error is returned for every rejected token. Issuer is the matched issuer
// name and is empty before an issuer is selected.
type Error struct {
	Kind   Kind
	Issuer string
	Err    error
}

func (e *Error) Error() string {
	msg := kindInfo[e.Kind].sentinel
	if msg == nil {
		msg = errors.New("token rejected")
	}
	switch {
	case e.Issuer != "" && e.Err != nil:
		return fmt.Sprintf("%v (issuer %q): %v", msg, e.Issuer, e.Err)
	case e.Issuer != "":
		return fmt.Sprintf("%v (issuer %q)", msg, e.Issuer)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", msg, e.Err)
	default:
		return msg.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of e's kind, so callers can write
// errors.Is(err, token.ErrTokenExpired).
func (e *Error) Is(target error) bool {
	i, ok := kindInfo[e.Kind]
	return ok && target == i.sentinel
}

// KindOf extracts the rejection kind from err, or KindNone.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindNone
}

func newError(k Kind, iss string, err error) *Error {
	return &Error{Kind: k, Issuer: iss, Err: err}
}
