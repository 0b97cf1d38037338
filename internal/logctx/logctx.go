// Package logctx enriches slog records with request-scoped attributes carried
// on the context.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and appends the request, route and
// issuer groups found on the record's context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("remote_addr", rd.RemoteAddr),
		))
	}

	if rd, ok := ctx.Value(routeDataKey{}).(*RouteData); ok {
		r.AddAttrs(slog.Group("route",
			slog.String("name", rd.Name),
			slog.String("connection", rd.Connection),
		))
	}

	if id, ok := ctx.Value(issuerDataKey{}).(*IssuerData); ok {
		r.AddAttrs(slog.Group("iss",
			slog.String("name", id.Name),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// New returns a logger whose records carry context attributes. A nil base
// falls back to slog.Default.
func New(base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if _, ok := base.Handler().(Handler); ok {
		return base
	}
	return slog.New(Handler{Handler: base.Handler()})
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

// Request returns the request data stored on ctx, if any.
func Request(ctx context.Context) (*RequestData, bool) {
	rd, ok := ctx.Value(requestDataKey{}).(*RequestData)
	return rd, ok
}

type routeDataKey struct{}

type RouteData struct {
	Name       string
	Connection string
}

func WithRouteData(ctx context.Context, data *RouteData) context.Context {
	return context.WithValue(ctx, routeDataKey{}, data)
}

type issuerDataKey struct{}

type IssuerData struct {
	Name string
}

func WithIssuerData(ctx context.Context, data *IssuerData) context.Context {
	return context.WithValue(ctx, issuerDataKey{}, data)
}
