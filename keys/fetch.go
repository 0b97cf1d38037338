package keys

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/ggoodman/jwtgateway/issuer"
)

// DefaultMaxDocumentBytes caps the size of a fetched JWKS document.
const DefaultMaxDocumentBytes = 1 << 20

var errDocumentTooLarge = errors.New("keys: jwks document exceeds size limit")

// Fetcher retrieves the raw JWKS document for a key source.
type Fetcher interface {
	Fetch(ctx context.Context, src issuer.KeySource) ([]byte, error)
}

// SourceFetcher is the default Fetcher: HTTP GET for URL sources, a file read
// for File sources, and the literal value for Content sources.
type SourceFetcher struct {
	Client   *http.Client
	MaxBytes int64
}

func (f *SourceFetcher) Fetch(ctx context.Context, src issuer.KeySource) ([]byte, error) {
	max := f.MaxBytes
	if max <= 0 {
		max = DefaultMaxDocumentBytes
	}
	switch src.Kind {
	case issuer.KeySourceURL:
		return f.fetchURL(ctx, src.Value, max)
	case issuer.KeySourceFile:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fi, err := os.Stat(src.Value)
		if err != nil {
			return nil, err
		}
		if fi.Size() > max {
			return nil, errDocumentTooLarge
		}
		return os.ReadFile(src.Value)
	case issuer.KeySourceContent:
		if int64(len(src.Value)) > max {
			return nil, errDocumentTooLarge
		}
		return []byte(src.Value), nil
	default:
		return nil, fmt.Errorf("keys: unsupported key source %s", src.Kind)
	}
}

func (f *SourceFetcher) fetchURL(ctx context.Context, u string, max int64) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, application/jwk-set+json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("keys: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > max {
		return nil, errDocumentTooLarge
	}
	return body, nil
}
