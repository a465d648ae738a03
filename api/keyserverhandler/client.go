package keyserverhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/ruteri/threshold-seal/api"
	"github.com/ruteri/threshold-seal/interfaces"
	"github.com/ruteri/threshold-seal/serviceresolver"
)

const maxResponseSize = 64 * 1024

// Client talks to a single key server. srv+http(s) URLs are resolved on
// first use.
type Client struct {
	URL        string
	HTTPClient *http.Client
	Resolver   *serviceresolver.Resolver

	mu       sync.Mutex
	resolved string
}

var _ api.KeyServerAPI = (*Client)(nil)

func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{URL: url, HTTPClient: httpClient}
}

func (c *Client) baseURL(ctx context.Context) (string, error) {
	if !serviceresolver.IsSRVURL(c.URL) {
		return strings.TrimSuffix(c.URL, "/"), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved != "" {
		return c.resolved, nil
	}

	resolver := c.Resolver
	if resolver == nil {
		resolver = serviceresolver.NewResolver("")
	}
	resolved, err := resolver.ResolveURL(ctx, c.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", interfaces.ErrUnreachable, err)
	}
	c.resolved = strings.TrimSuffix(resolved, "/")
	return c.resolved, nil
}

func (c *Client) Service(ctx context.Context) (*api.ServiceResponse, error) {
	var resp api.ServiceResponse
	if err := c.do(ctx, http.MethodGet, "/v1/service", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) FetchKey(ctx context.Context, req *api.FetchKeyRequest) (*api.FetchKeyResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: could not encode request: %w", interfaces.ErrInvalidRequest, err)
	}

	var resp api.FetchKeyResponse
	if err := c.do(ctx, http.MethodPost, "/v1/fetch_key", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do performs a request and maps failures to the error taxonomy: transport
// failures and 5xx/429 are ErrUnreachable, rejections keep their meaning.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	base, err := c.baseURL(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return fmt.Errorf("%w: could not initialize request: %w", interfaces.ErrInvalidRequest, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: could not read response: %w", interfaces.ErrUnreachable, err)
	}

	if resp.StatusCode != http.StatusOK {
		var rejection api.ErrorResponse
		if err := json.Unmarshal(respBody, &rejection); err != nil {
			rejection.Error.Message = strings.TrimSpace(string(respBody))
		}
		return api.ErrorFromResponse(resp.StatusCode, rejection.Error)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: could not parse response: %w", interfaces.ErrUnreachable, err)
	}
	return nil
}
