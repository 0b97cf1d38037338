package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// ShutdownTimeout bounds graceful shutdown in Serve.
const ShutdownTimeout = 10 * time.Second

// NewServer wraps h in an http.Server with conservative timeouts.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// TLSFiles selects HTTPS when both paths are set.
type TLSFiles struct {
	CertFile string
	KeyFile  string
}

func (t TLSFiles) enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

// Serve runs srv until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, log *slog.Logger, srv *http.Server, tls TLSFiles) error {
	errc := make(chan error, 1)
	go func() {
		var err error
		if tls.enabled() {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errc <- err
	}()
	log.InfoContext(ctx, "server.listen", slog.String("addr", srv.Addr), slog.Bool("tls", tls.enabled()))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.ErrorContext(ctx, "server.shutdown.fail", slog.String("addr", srv.Addr), slog.String("err", err.Error()))
		return err
	}
	log.InfoContext(ctx, "server.shutdown", slog.String("addr", srv.Addr))
	return nil
}
