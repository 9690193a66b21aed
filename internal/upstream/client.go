// Package upstream forwards validated requests to the generative-media API
// and classifies its responses.
package upstream

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/monoklix/mediaproxy/internal/config"
)

// Client issues one-shot JSON calls against the media API. Every call gets
// the fixed Origin/Referer pair the upstream access policy requires plus the
// caller's bearer token; in api_key credential mode a static key header is
// attached as well and the risk token travels in a dedicated header.
type Client struct {
	baseURL        string
	origin         string
	referer        string
	credentialMode string
	apiKey         string
	client         *http.Client
}

// NewClient builds a Client from config.
func NewClient(cfg config.UpstreamConfig) *Client {
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		origin:         cfg.Origin,
		referer:        cfg.Referer,
		credentialMode: cfg.CredentialMode,
		apiKey:         cfg.ResolveAPIKey(),
		client: &http.Client{
			Timeout: cfg.Timeout.Std(),
		},
	}
}

// Post forwards body to baseURL+path. Paths may start with "/" or with ":"
// (Google's verb-style routes hang directly off the version segment).
// riskToken is only consulted in api_key mode, where it is relocated into a
// request header; in oauth mode it has already been discarded after
// verification and must not reach the media API in any form.
func (c *Client) Post(ctx context.Context, path, bearerToken string, body []byte, riskToken string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	req.Header.Set("Origin", c.origin)
	req.Header.Set("Referer", c.referer)
	if c.credentialMode == "api_key" {
		req.Header.Set("X-Goog-Api-Key", c.apiKey)
		if riskToken != "" {
			req.Header.Set("X-Recaptcha-Token", riskToken)
		}
	}

	return c.client.Do(req)
}

// Get fetches an absolute URL, used by the binary pass-through route.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}
