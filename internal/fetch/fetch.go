package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"hb-go/internal/hb"
	"hb-go/internal/model"
)

// HTTPFetcher downloads version content from its storage link with the
// caller's bearer token.
type HTTPFetcher struct {
	client *http.Client
}

var _ hb.ContentFetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a fetcher whose transport gives up when response
// headers do not arrive within timeout. Body reads are not bounded here; the
// walker guards stalled bodies.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &HTTPFetcher{client: &http.Client{Transport: transport}}
}

// NewHTTPFetcherWithClient creates a fetcher using client as is.
func NewHTTPFetcherWithClient(client *http.Client) *HTTPFetcher {
	return &HTTPFetcher{client: client}
}

// Fetch opens the content of v. Versions without a download link and
// non-success responses yield errors wrapping hb.ErrUnavailable; client
// errors are additionally marked permanent.
func (f *HTTPFetcher) Fetch(ctx context.Context, token string, v model.Version) (io.ReadCloser, error) {
	if !v.HasContent() {
		return nil, hb.Permanent(fmt.Errorf("version %s: no download link: %w", v.ID, hb.ErrUnavailable))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.DownloadURL, nil)
	if err != nil {
		return nil, hb.Permanent(fmt.Errorf("version %s: %w: %w", v.ID, hb.ErrUnavailable, err))
	}
	(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("version %s: %w: %w", v.ID, hb.ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		// StatusError decides whether the retry policy tries again.
		return nil, fmt.Errorf("version %s: %w: %w", v.ID, hb.ErrUnavailable,
			&hb.StatusError{Code: resp.StatusCode, URL: v.DownloadURL})
	}
	return resp.Body, nil
}
