// Package admin serves the read-only and validation endpoints consumed by the
// configuration and metrics UI.
//
//	POST /validate/jwks-url      {"value": "<url>"}
//	POST /validate/jwks-file     {"value": "<path>"}
//	POST /validate/jwks-content  {"value": "<jwks json>"}
//	GET  /issuers
//	GET  /metrics/snapshot
//	POST /metrics/reset
//	GET  /metrics
//	GET  /schema/work-unit
//	GET  /connections/{name}/events
//
// The listener is expected to be bound to a management interface.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/invopop/jsonschema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ggoodman/jwtgateway/broker"
	"github.com/ggoodman/jwtgateway/internal/logsafe"
	"github.com/ggoodman/jwtgateway/issuer"
	"github.com/ggoodman/jwtgateway/keys"
	"github.com/ggoodman/jwtgateway/metrics"
)

// maxValidateBody caps validation request bodies; inline JWKS content is the
// largest expected payload.
const maxValidateBody = 2 << 20

const lastEventIDHeader = "Last-Event-ID"

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaTypes = []contenttype.MediaType{contenttype.NewMediaType("text/event-stream")}
)

// KeyValidator checks a key source and reports cached key sets.
type KeyValidator interface {
	Validate(ctx context.Context, src issuer.KeySource) keys.ValidationResult
	Cached(name string) (*keys.KeySet, bool)
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option { return func(h *Handler) { h.log = l } }

// WithBroker enables the per-connection event stream.
func WithBroker(b broker.Broker) Option { return func(h *Handler) { h.broker = b } }

// WithGoCollectors adds Go runtime and process collectors to /metrics.
func WithGoCollectors() Option { return func(h *Handler) { h.goCollectors = true } }

type Handler struct {
	keys    KeyValidator
	issuers *issuer.Registry
	metrics *metrics.Aggregator
	broker  broker.Broker
	log     *slog.Logger

	goCollectors bool
	registry     *prometheus.Registry
	mux          *http.ServeMux

	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
}

func New(kv KeyValidator, issuers *issuer.Registry, m *metrics.Aggregator, opts ...Option) *Handler {
	h := &Handler{
		keys:    kv,
		issuers: issuers,
		metrics: m,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	h.log = h.log.With(slog.String("component", "admin"))

	h.registry = prometheus.NewRegistry()
	h.registry.MustRegister(metrics.NewCollector(m))
	if h.goCollectors {
		h.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /validate/{kind}", h.handleValidate)
	mux.HandleFunc("GET /issuers", h.handleIssuers)
	mux.HandleFunc("GET /metrics/snapshot", h.handleSnapshot)
	mux.HandleFunc("POST /metrics/reset", h.handleReset)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /schema/work-unit", h.handleWorkUnitSchema)
	mux.HandleFunc("GET /connections/{name}/events", h.handleEvents)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.mux.ServeHTTP(w, r) }

type validateRequest struct {
	Value string `json:"value"`
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var mk func(string) issuer.KeySource
	switch kind := r.PathValue("kind"); kind {
	case "jwks-url":
		mk = issuer.URL
	case "jwks-file":
		mk = issuer.File
	case "jwks-content":
		mk = issuer.Content
	default:
		writeJSONError(w, http.StatusNotFound, "unknown key source kind")
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}
	var req validateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxValidateBody))
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Value == "" {
		writeJSONError(w, http.StatusBadRequest, "value is required")
		return
	}

	src := mk(req.Value)
	res := h.keys.Validate(ctx, src)
	h.log.InfoContext(ctx, "admin.validate",
		slog.String("source", logsafe.Escape(src.Describe())),
		slog.Bool("valid", res.Valid),
		slog.Int("key_count", res.KeyCount))
	writeJSON(w, http.StatusOK, res)
}

// IssuerStatus is one entry of GET /issuers.
type IssuerStatus struct {
	Name       string     `json:"name"`
	Identifier string     `json:"identifier"`
	KeySource  string     `json:"keySource"`
	Audience   string     `json:"audience,omitempty"`
	Enabled    bool       `json:"enabled"`
	CachedKeys int        `json:"cachedKeys"`
	FetchedAt  *time.Time `json:"fetchedAt,omitempty"`
}

func (h *Handler) handleIssuers(w http.ResponseWriter, r *http.Request) {
	store := h.issuers.Load()
	out := make([]IssuerStatus, 0, store.Len())
	for _, name := range store.Names() {
		cfg, _ := store.Get(name)
		st := IssuerStatus{
			Name:       cfg.Name,
			Identifier: cfg.Identifier,
			KeySource:  cfg.KeySource.Describe(),
			Audience:   cfg.Audience,
			Enabled:    cfg.Enabled,
		}
		if ks, ok := h.keys.Cached(name); ok {
			st.CachedKeys = ks.Len()
			at := ks.FetchedAt
			st.FetchedAt = &at
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	h.metrics.Reset()
	h.log.InfoContext(r.Context(), "admin.metrics.reset")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleWorkUnitSchema(w http.ResponseWriter, r *http.Request) {
	h.schemaOnce.Do(func() {
		rf := &jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
		}
		s := rf.Reflect(new(broker.WorkUnit))
		h.schemaJSON, h.schemaErr = json.Marshal(s)
	})
	if h.schemaErr != nil {
		h.log.ErrorContext(r.Context(), "admin.schema.fail", slog.String("err", h.schemaErr.Error()))
		writeJSONError(w, http.StatusInternalServerError, "schema unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	_, _ = w.Write(h.schemaJSON)
}

// handleEvents streams a connection's work units as Server-Sent Events,
// resuming after Last-Event-ID when given.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	name := r.PathValue("name")

	if h.broker == nil {
		writeJSONError(w, http.StatusNotFound, "event streaming disabled")
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	log := h.log.With(slog.String("connection", logsafe.Escape(name)))

	lastEventID := r.Header.Get(lastEventIDHeader)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()
	log.InfoContext(ctx, "sse.stream.start", slog.Bool("resume", lastEventID != ""))

	err := h.broker.Subscribe(ctx, name, lastEventID, func(cbCtx context.Context, env broker.Envelope) error {
		payload, err := broker.Encode(env.Unit)
		if err != nil {
			return err
		}
		if err := writeSSEEvent(wf, env.ID, "", payload); err != nil {
			log.ErrorContext(cbCtx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		return nil
	})
	switch {
	case errors.Is(err, broker.ErrUnknownEventID):
		// The client must restart without Last-Event-ID.
		_ = writeSSEEvent(wf, "", "reset", []byte(`{"error":"unknown Last-Event-ID"}`))
		log.InfoContext(ctx, "sse.resume.miss")
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, broker.ErrClosed):
		log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	default:
		log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	}
}

// lockedWriteFlusher serializes writes and flushes and stops writing once ctx
// is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ctx.Err(); err != nil {
		return 0, err
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

func writeSSEEvent(wf *lockedWriteFlusher, id, event string, payload []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", event); err != nil {
			return fmt.Errorf("failed to write SSE event type: %w", err)
		}
	}
	if id != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", id); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(wf, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("failed to write SSE data: %w", err)
	}
	wf.Flush()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
