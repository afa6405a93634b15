// Package upstream is the proxy's "external collaborator" (component F):
// it issues GET/POST/PUT requests to an upstream origin and hands back a
// streaming response. Its internals are explicitly out of scope per
// spec.md 1 -- this is intentionally a thin wrapper over *http.Client.
package upstream

import (
	"context"
	"io"
	"net/http"
	"time"

	"goproxy/internal/httpwire"
)

// Client issues upstream HTTP requests on behalf of worker goroutines.
type Client struct {
	HTTP *http.Client
}

// New builds a Client with the given per-request timeout. Redirects are
// not followed: a forward proxy passes the origin's response through
// verbatim, it does not chase Location headers on the caller's behalf.
func New(timeout time.Duration) *Client {
	return &Client{
		HTTP: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Do issues method against target (an absolute URI), copying headers
// verbatim and streaming body as the request body. The caller is
// responsible for closing the returned response's Body.
func (c *Client) Do(ctx context.Context, method, target string, headers httpwire.Headers, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for _, name := range headers.Names() {
		for _, v := range headers.Values(name) {
			req.Header.Add(name, v)
		}
	}
	return c.HTTP.Do(req)
}
