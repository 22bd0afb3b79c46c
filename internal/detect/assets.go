package detect

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"bilisub/internal/retry"
	"bilisub/internal/transport"
)

// Assets downloads images and turns them into transport images.
type Assets struct {
	Fetcher interface {
		Image(ctx context.Context, url string) ([]byte, error)
	}
}

// Fetch downloads url once.
func (a *Assets) Fetch(ctx context.Context, url string) (*transport.Image, error) {
	b, err := a.Fetcher.Image(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrAssetUnavailable, url, err)
	}
	mime := http.DetectContentType(b)
	if !strings.HasPrefix(mime, "image/") {
		return nil, fmt.Errorf("%w: %s: unexpected content type %s", ErrAssetUnavailable, url, mime)
	}
	return &transport.Image{Data: b, MIME: mime}, nil
}

// FetchRetry downloads url under p.
func (a *Assets) FetchRetry(ctx context.Context, url string, p retry.Policy) (*transport.Image, error) {
	return retry.Value(ctx, p, func(ctx context.Context) (*transport.Image, error) {
		return a.Fetch(ctx, url)
	})
}
