// Package token verifies bearer JWTs against the configured issuers.
//
// Validate runs a fixed sequence of checks: size, shape, issuer selection,
// signature, temporal and audience claims, client id. The first failing check
// determines the Kind of the returned *Error. A token is never accepted
// without a verified signature, and the raw token is never logged.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ggoodman/jwtgateway/internal/logsafe"
	"github.com/ggoodman/jwtgateway/issuer"
	"github.com/ggoodman/jwtgateway/keys"
)

const tracerName = "github.com/ggoodman/jwtgateway/token"

// AllowedAlgorithms are the asymmetric JWS algorithms accepted. "none" and
// the HMAC family are never accepted.
var AllowedAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// KeyProvider supplies issuer key sets. *keys.Resolver implements it.
type KeyProvider interface {
	KeySet(ctx context.Context, cfg issuer.Config) (*keys.KeySet, error)
	Refresh(ctx context.Context, cfg issuer.Config) (*keys.KeySet, error)
}

type Option func(*Validator)

// WithLeeway tolerates clock skew on exp and nbf.
func WithLeeway(d time.Duration) Option { return func(v *Validator) { v.leeway = d } }

func WithLogger(l *slog.Logger) Option { return func(v *Validator) { v.log = l } }

func WithClock(now func() time.Time) Option { return func(v *Validator) { v.now = now } }

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(v *Validator) { v.tracer = tp.Tracer(tracerName) }
}

// Validator is safe for concurrent use.
type Validator struct {
	keys   KeyProvider
	leeway time.Duration
	now    func() time.Time
	log    *slog.Logger
	tracer trace.Tracer

	shape  *jwt.Parser
	verify *jwt.Parser
}

func NewValidator(kp KeyProvider, opts ...Option) *Validator {
	v := &Validator{
		keys:   kp,
		now:    time.Now,
		log:    slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.log == nil {
		v.log = slog.Default()
	}
	v.log = v.log.With(slog.String("component", "token"))
	v.shape = jwt.NewParser()
	v.verify = jwt.NewParser(jwt.WithValidMethods(AllowedAlgorithms), jwt.WithoutClaimsValidation())
	return v
}

// Validate verifies raw against the enabled issuers in store.
func (v *Validator) Validate(ctx context.Context, raw string, store *issuer.Store, pc issuer.ParserConfig) (*Validated, error) {
	ctx, span := v.tracer.Start(ctx, "token.Validate")
	defer span.End()

	out, err := v.validate(ctx, raw, store, pc.Normalize(), span)
	if err != nil {
		kind := KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		span.SetAttributes(attribute.String("token.reject_kind", kind.String()))
		v.log.DebugContext(ctx, "token.reject",
			slog.String("kind", kind.String()),
			slog.String("token", logsafe.Fragment(raw)),
			slog.String("err", logsafe.Escape(err.Error())))
		return nil, err
	}
	return out, nil
}

func (v *Validator) validate(ctx context.Context, raw string, store *issuer.Store, pc issuer.ParserConfig, span trace.Span) (*Validated, error) {
	// 1. size
	if len(raw) > pc.MaxTokenSizeBytes {
		return nil, newError(KindTokenTooLarge, "", fmt.Errorf("%d bytes exceeds limit of %d", len(raw), pc.MaxTokenSizeBytes))
	}

	// 2. shape
	if strings.Count(raw, ".") != 2 {
		return nil, newError(KindMalformedToken, "", errors.New("expected three dot-separated segments"))
	}

	// 3. issuer selection on unverified claims
	unverified, _, err := v.shape.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, newError(KindMalformedToken, "", err)
	}
	iss, err := unverified.Claims.GetIssuer()
	if err != nil || iss == "" {
		return nil, newError(KindUnknownIssuer, "", errors.New("token has no iss claim"))
	}
	cfg, ok := store.ByIdentifier(iss)
	if !ok {
		return nil, newError(KindUnknownIssuer, "", fmt.Errorf("no enabled issuer matches iss %q", logsafe.Escape(iss)))
	}
	span.SetAttributes(attribute.String("iss.name", cfg.Name))

	// 4. signature
	claims, err := v.verifySignature(ctx, raw, unverified, cfg)
	if err != nil {
		return nil, err
	}

	// 5. claims
	if err := v.checkClaims(claims, cfg); err != nil {
		return nil, err
	}

	// 6. extraction
	sub, _ := claims.GetSubject()
	aud, _ := claims.GetAudience()
	var expiry time.Time
	if exp, _ := claims.GetExpirationTime(); exp != nil {
		expiry = exp.Time
	}
	return &Validated{
		IssuerName: cfg.Name,
		Subject:    sub,
		Audience:   []string(aud),
		Expiry:     expiry,
		Scopes:     scopesOf(claims),
		Roles:      rolesOf(claims),
		RawClaims:  map[string]any(claims),
	}, nil
}

func (v *Validator) verifySignature(ctx context.Context, raw string, unverified *jwt.Token, cfg issuer.Config) (jwt.MapClaims, error) {
	ks, err := v.keys.KeySet(ctx, cfg)
	if err != nil {
		return nil, newError(KindSignatureInvalid, cfg.Name, err)
	}
	kid, _ := unverified.Header["kid"].(string)
	cands, err := ks.Candidates(kid)
	var nf *keys.KeyNotFoundError
	if errors.As(err, &nf) {
		// The provider may have rotated keys since the last fetch.
		if ks, rerr := v.keys.Refresh(ctx, cfg); rerr == nil {
			cands, err = ks.Candidates(kid)
		}
	}
	if err != nil {
		return nil, newError(KindSignatureInvalid, cfg.Name, err)
	}

	alg := ""
	if unverified.Method != nil {
		alg = unverified.Method.Alg()
	}
	var errs []error
	for _, k := range cands {
		if k.Algorithm != "" && k.Algorithm != alg {
			continue
		}
		claims, err := v.verifyWith(raw, k)
		if err == nil {
			return claims, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		errs = append(errs, fmt.Errorf("no key matches algorithm %q", logsafe.Escape(alg)))
	}
	return nil, newError(KindSignatureInvalid, cfg.Name, errors.Join(errs...))
}

func (v *Validator) verifyWith(raw string, k jose.JSONWebKey) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := v.verify.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return k.Key, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Validator) checkClaims(claims jwt.MapClaims, cfg issuer.Config) error {
	temporal := jwt.NewValidator(
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err := temporal.Validate(claims); err != nil {
		return newError(KindTokenExpired, cfg.Name, err)
	}
	if cfg.Audience != "" {
		aud, err := claims.GetAudience()
		if err != nil || !contains(aud, cfg.Audience) {
			return newError(KindAudienceMismatch, cfg.Name, jwt.ErrTokenInvalidAudience)
		}
	}
	if cfg.ClientID != "" {
		if got := clientIDOf(claims); got != cfg.ClientID {
			return newError(KindClientIDMismatch, cfg.Name, fmt.Errorf("azp/client_id %q", logsafe.Escape(got)))
		}
	}
	return nil
}

func contains(vs []string, want string) bool {
	for _, v := range vs {
		if v == want {
			return true
		}
	}
	return false
}
