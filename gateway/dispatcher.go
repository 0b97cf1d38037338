// Package gateway matches inbound HTTP requests to configured routes,
// authenticates and authorizes them against the trusted issuers, and hands
// accepted requests to the downstream broker.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ggoodman/jwtgateway/broker"
	"github.com/ggoodman/jwtgateway/broker/memory"
	"github.com/ggoodman/jwtgateway/internal/logctx"
	"github.com/ggoodman/jwtgateway/internal/logsafe"
	"github.com/ggoodman/jwtgateway/internal/wellknown"
	"github.com/ggoodman/jwtgateway/issuer"
	"github.com/ggoodman/jwtgateway/metrics"
	"github.com/ggoodman/jwtgateway/route"
	"github.com/ggoodman/jwtgateway/schema"
	"github.com/ggoodman/jwtgateway/token"
)

const tracerName = "github.com/ggoodman/jwtgateway/gateway"

const (
	DefaultMaxRequestBytes = 1 << 20
	DefaultMaxQueueSize    = 64
)

// Outcome labels recorded per route in metrics.
const (
	OutcomeForwarded       = "Forwarded"
	OutcomeResponded       = "Responded"
	OutcomePreflight       = "Preflight"
	OutcomeMetadata        = "Metadata"
	OutcomeNotFound        = "NotFound"
	OutcomeUnauthorized    = "Unauthorized"
	OutcomeForbidden       = "Forbidden"
	OutcomeBadRequest      = "BadRequest"
	OutcomePayloadTooLarge = "PayloadTooLarge"
	OutcomeTooManyRequests = "TooManyRequests"
	OutcomeError           = "Error"
)

// TokenValidator verifies bearer tokens against an issuer snapshot.
type TokenValidator interface {
	Validate(ctx context.Context, raw string, store *issuer.Store, pc issuer.ParserConfig) (*token.Validated, error)
}

// DirectResponder answers matched routes that do not create downstream work.
// attrs carries the same attributes a work unit would.
type DirectResponder func(w http.ResponseWriter, r *http.Request, def route.Definition, attrs map[string]string)

type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.log = l } }

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) { d.tracer = tp.Tracer(tracerName) }
}

func WithBroker(b broker.Broker) Option { return func(d *Dispatcher) { d.broker = b } }

func WithMetrics(m *metrics.Aggregator) Option { return func(d *Dispatcher) { d.metrics = m } }

func WithSchemaCache(c *schema.Cache) Option { return func(d *Dispatcher) { d.schemas = c } }

func WithParserConfig(pc issuer.ParserConfig) Option {
	return func(d *Dispatcher) { d.parser = pc.Normalize() }
}

func WithMaxRequestBytes(n int64) Option { return func(d *Dispatcher) { d.maxBody = n } }

// WithMaxQueueSize bounds concurrently handled requests. Requests beyond the
// bound are rejected with 429 rather than queued.
func WithMaxQueueSize(n int64) Option { return func(d *Dispatcher) { d.queue = n } }

// WithCORSOrigins allows cross-origin requests from origins; "*" allows any
// origin. No CORS headers are sent when origins is empty.
func WithCORSOrigins(origins []string) Option {
	return func(d *Dispatcher) { d.origins = origins }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option { return func(d *Dispatcher) { d.realm = strings.TrimSpace(realm) } }

func WithDirectResponder(fn DirectResponder) Option { return func(d *Dispatcher) { d.direct = fn } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithResourceMetadata serves the protected resource metadata document at
// its well-known path. An empty resource is derived from each request.
func WithResourceMetadata(resource string) Option {
	return func(d *Dispatcher) {
		d.prm = true
		d.resource = strings.TrimSpace(resource)
	}
}

// Dispatcher is the gateway's http.Handler. Each request moves through
// Received, Matched, Authenticated, Authorized and ends Forwarded or
// Rejected.
type Dispatcher struct {
	issuers   *issuer.Registry
	routes    *route.Registry
	validator TokenValidator

	broker  broker.Broker
	metrics *metrics.Aggregator
	schemas *schema.Cache
	direct  DirectResponder
	parser  issuer.ParserConfig
	maxBody int64
	queue   int64
	sem     *semaphore.Weighted
	origins []string
	cors    *cors.Cors
	realm   string
	now     func() time.Time

	prm      bool
	resource string

	log    *slog.Logger
	tracer trace.Tracer
}

func NewDispatcher(issuers *issuer.Registry, routes *route.Registry, v TokenValidator, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		issuers:   issuers,
		routes:    routes,
		validator: v,
		parser:    issuer.DefaultParserConfig(),
		maxBody:   DefaultMaxRequestBytes,
		queue:     DefaultMaxQueueSize,
		now:       time.Now,
		log:       slog.Default(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	d.log = d.log.With(slog.String("component", "gateway"))
	if d.broker == nil {
		d.broker = memory.New()
	}
	if d.metrics == nil {
		d.metrics = metrics.New()
	}
	if d.schemas == nil {
		d.schemas = schema.NewCache()
	}
	if d.direct == nil {
		d.direct = respondDirect
	}
	if d.maxBody <= 0 {
		d.maxBody = DefaultMaxRequestBytes
	}
	if d.queue <= 0 {
		d.queue = DefaultMaxQueueSize
	}
	d.sem = semaphore.NewWeighted(d.queue)
	if len(d.origins) > 0 {
		d.cors = newCORS(d.origins)
	}
	return d
}

// Metrics returns the aggregator outcomes are recorded in.
func (d *Dispatcher) Metrics() *metrics.Aggregator { return d.metrics }

// rejection is a terminal Rejected state.
type rejection struct {
	outcome string
	status  int
	message string
	// challenge, when set, is sent as WWW-Authenticate.
	challenge string
	details   []string
	err       error
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := d.now()
	reqID := uuid.NewString()
	ctx, span := d.tracer.Start(r.Context(), "gateway.Dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
			attribute.String("request.id", reqID),
		))
	defer span.End()

	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{
		RequestID:  reqID,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})
	r = r.WithContext(ctx)
	w.Header().Set(requestIDHeader, reqID)

	if d.prm && isWellKnown(r.URL.Path) {
		d.serveResourceMetadata(w, r)
		d.finish(ctx, span, "", OutcomeMetadata, start)
		return
	}

	if d.cors == nil {
		d.dispatch(ctx, span, start, w, r)
		return
	}
	d.cors.ServeHTTP(w, r, func(w http.ResponseWriter, r *http.Request) {
		d.dispatch(ctx, span, start, w, r)
	})
}

// dispatch runs a request that has passed CORS handling through the route
// state machine.
func (d *Dispatcher) dispatch(ctx context.Context, span trace.Span, start time.Time, w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		w.WriteHeader(http.StatusNoContent)
		d.finish(ctx, span, "", OutcomePreflight, start)
		return
	}

	if !d.sem.TryAcquire(1) {
		w.Header().Set("Retry-After", "1")
		d.reject(ctx, w, span, "", start, rejection{
			outcome: OutcomeTooManyRequests, status: http.StatusTooManyRequests, message: "too many requests",
		})
		return
	}
	defer d.sem.Release(1)

	if r.ContentLength > d.maxBody {
		d.reject(ctx, w, span, "", start, rejection{
			outcome: OutcomePayloadTooLarge, status: http.StatusRequestEntityTooLarge, message: "request body too large",
		})
		return
	}

	if hasDotSegment(r.URL.Path) {
		d.reject(ctx, w, span, "", start, rejection{
			outcome: OutcomeBadRequest, status: http.StatusBadRequest, message: "invalid request path",
		})
		return
	}

	// Received -> Matched
	def, ok := d.routes.Load().Match(r.Method, r.URL.Path)
	if !ok {
		d.reject(ctx, w, span, "", start, rejection{
			outcome: OutcomeNotFound, status: http.StatusNotFound, message: "not found",
		})
		return
	}
	ctx = logctx.WithRouteData(ctx, &logctx.RouteData{Name: def.Name, Connection: def.ConnectionName})
	r = r.WithContext(ctx)
	span.SetAttributes(attribute.String("route.name", def.Name))

	// Matched -> Authenticated
	validated, rej := d.authenticate(ctx, r, def)
	if rej != nil {
		d.reject(ctx, w, span, def.Name, start, *rej)
		return
	}
	if validated != nil {
		ctx = logctx.WithIssuerData(ctx, &logctx.IssuerData{Name: validated.IssuerName})
		r = r.WithContext(ctx)
	}

	// Authenticated -> Authorized
	if def.RequiresAuth() {
		if !token.HasAll(validated.Roles, def.RequiredRoles) || !token.HasAll(validated.Scopes, def.RequiredScopes) {
			d.reject(ctx, w, span, def.Name, start, rejection{
				outcome:   OutcomeForbidden,
				status:    http.StatusForbidden,
				message:   "forbidden",
				challenge: bearerChallenge(d.realm, "insufficient_scope", "", strings.Join(def.RequiredScopes, " ")),
			})
			return
		}
	}

	body, rej := d.readBody(w, r, def)
	if rej != nil {
		d.reject(ctx, w, span, def.Name, start, *rej)
		return
	}

	attrs := attributes(validated)
	if !def.CreateFlowfile {
		d.direct(w, r, def, attrs)
		d.finish(ctx, span, def.Name, OutcomeResponded, start)
		return
	}

	connection := def.ConnectionName
	if connection == "" {
		connection = def.Name
	}
	unit := broker.WorkUnit{
		ID:          uuid.NewString(),
		Connection:  connection,
		Route:       def.Name,
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       r.URL.RawQuery,
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
		Attributes:  attrs,
		CreatedAt:   d.now().UTC(),
	}
	eventID, err := d.broker.Publish(ctx, unit.Connection, unit)
	if err != nil {
		d.reject(ctx, w, span, def.Name, start, rejection{
			outcome: OutcomeError, status: http.StatusServiceUnavailable, message: "downstream unavailable", err: err,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": unit.ID, "eventId": eventID})
	d.log.InfoContext(ctx, "dispatch.forward", slog.String("unit_id", unit.ID), slog.String("event_id", eventID))
	d.finish(ctx, span, def.Name, OutcomeForwarded, start)
}

// authenticate validates the bearer token when the route requires one, or
// when one is offered to a public route. It returns nil, nil for anonymous
// access to a public route.
func (d *Dispatcher) authenticate(ctx context.Context, r *http.Request, def route.Definition) (*token.Validated, *rejection) {
	raw, present, err := bearerToken(r)
	if err != nil {
		if !def.RequiresAuth() && !present {
			return nil, nil
		}
		rej := &rejection{outcome: OutcomeUnauthorized, status: http.StatusUnauthorized, message: "unauthorized", err: err}
		if present {
			rej.challenge = bearerChallenge(d.realm, "invalid_request", err.Error(), "")
		} else {
			// No error code when no credentials were offered.
			rej.challenge = bearerChallenge(d.realm, "", "", "")
		}
		return nil, rej
	}

	started := d.now()
	v, err := d.validator.Validate(ctx, raw, d.issuers.Load(), d.parser)
	elapsed := d.now().Sub(started)
	if err != nil {
		var terr *token.Error
		iss := ""
		if errors.As(err, &terr) {
			iss = terr.Issuer
		}
		d.metrics.RecordValidation(iss, elapsed, err)
		d.log.InfoContext(ctx, "auth.check.fail",
			slog.String("kind", token.KindOf(err).String()),
			slog.String("token", logsafe.Fragment(raw)))
		// The client sees a generic message; the specific kind stays internal.
		return nil, &rejection{
			outcome:   OutcomeUnauthorized,
			status:    http.StatusUnauthorized,
			message:   "unauthorized",
			challenge: bearerChallenge(d.realm, "invalid_token", "", ""),
			err:       err,
		}
	}
	d.metrics.RecordValidation(v.IssuerName, elapsed, nil)
	return v, nil
}

// readBody reads the bounded body and applies the route's schema.
func (d *Dispatcher) readBody(w http.ResponseWriter, r *http.Request, def route.Definition) ([]byte, *rejection) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, d.maxBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, &rejection{outcome: OutcomePayloadTooLarge, status: http.StatusRequestEntityTooLarge, message: "request body too large"}
		}
		return nil, &rejection{outcome: OutcomeBadRequest, status: http.StatusBadRequest, message: "unreadable request body", err: err}
	}
	if def.Schema == "" {
		return body, nil
	}

	sch, err := d.schemas.Get(def.Name, def.Schema)
	if err != nil {
		return nil, &rejection{outcome: OutcomeError, status: http.StatusInternalServerError, message: "route schema unavailable", err: err}
	}
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		return nil, &rejection{outcome: OutcomeBadRequest, status: http.StatusBadRequest, message: "content-type must be application/json"}
	}
	if err := sch.Validate(body); err != nil {
		rej := &rejection{outcome: OutcomeBadRequest, status: http.StatusBadRequest, message: "request body failed schema validation", err: err}
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			rej.details = verr.Details
		}
		return nil, rej
	}
	return body, nil
}

func (d *Dispatcher) reject(ctx context.Context, w http.ResponseWriter, span trace.Span, routeName string, start time.Time, rej rejection) {
	if rej.challenge != "" {
		w.Header().Add(wwwAuthenticateHeader, rej.challenge)
	}
	var extra map[string]any
	if len(rej.details) > 0 {
		extra = map[string]any{"details": rej.details}
	}
	writeJSONError(w, rej.status, rej.message, extra)

	attrs := []any{slog.String("reason", rej.outcome), slog.Int("status", rej.status)}
	if rej.err != nil {
		attrs = append(attrs, slog.String("err", logsafe.Escape(rej.err.Error())))
	}
	level := slog.LevelInfo
	if rej.status >= http.StatusInternalServerError {
		level = slog.LevelError
		if rej.err != nil {
			span.RecordError(rej.err)
		}
		span.SetStatus(codes.Error, rej.outcome)
	}
	d.log.Log(ctx, level, "dispatch.reject", attrs...)
	d.finish(ctx, span, routeName, rej.outcome, start)
}

func (d *Dispatcher) finish(ctx context.Context, span trace.Span, routeName, outcome string, start time.Time) {
	span.SetAttributes(attribute.String("gateway.outcome", outcome))
	d.metrics.RecordRoute(routeName, outcome)
	d.log.DebugContext(ctx, "dispatch.done", slog.String("outcome", outcome), slog.Duration("dur", d.now().Sub(start)))
}

// attributes builds the work unit attributes for v, which is nil for
// anonymous requests.
func attributes(v *token.Validated) map[string]string {
	if v == nil {
		return map[string]string{broker.AttrAuthorized: "false"}
	}
	return map[string]string{
		broker.AttrSubject:    v.Subject,
		broker.AttrIssuer:     v.IssuerName,
		broker.AttrScopes:     strings.Join(v.Scopes, " "),
		broker.AttrRoles:      strings.Join(v.Roles, " "),
		broker.AttrAuthorized: "true",
	}
}

func respondDirect(w http.ResponseWriter, _ *http.Request, def route.Definition, attrs map[string]string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"route":      def.Name,
		"authorized": attrs[broker.AttrAuthorized] == "true",
		"subject":    attrs[broker.AttrSubject],
	})
}

func isWellKnown(p string) bool {
	return p == wellknown.ProtectedResourcePath || strings.HasPrefix(p, wellknown.ProtectedResourcePath+"/")
}

// serveResourceMetadata answers the metadata document and its preflight. The
// document is public and readable from any origin.
func (d *Dispatcher) serveResourceMetadata(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	switch r.Method {
	case http.MethodOptions:
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
		h.Set("Access-Control-Max-Age", "600")
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet, http.MethodHead:
		resource := d.resource
		if resource == "" {
			resource = wellknown.ResourceFromRequest(r)
		}
		writeJSON(w, http.StatusOK, wellknown.Build(resource, d.realm, d.issuers.Load(), d.routes.Load()))
	default:
		h.Set("Allow", "GET, HEAD, OPTIONS")
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	}
}
