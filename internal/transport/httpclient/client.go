// Package httpclient implements the upload and download collaborators over
// the HTTP sync binding.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/models"
	"github.com/kimhsiao/medisync/internal/transport"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 64 << 20

// Client talks to a sync server.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperrors.InvalidConfig(fmt.Sprintf("invalid server url %q", baseURL), err)
	}
	c := &Client{
		baseURL: u,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Upload sends one batch and returns the server's acknowledgements.
func (c *Client) Upload(ctx context.Context, batch []*models.SyncEntity) ([]models.UploadAck, error) {
	body, err := json.Marshal(transport.UploadRequest{Entities: batch})
	if err != nil {
		return nil, apperrors.Serialization("failed to encode upload batch", err)
	}

	req, err := c.createRequest(ctx, http.MethodPost, transport.UploadPath, nil, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp transport.UploadResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Acks, nil
}

// Download returns every server entity changed after since.
func (c *Client) Download(ctx context.Context, since time.Time) ([]*models.SyncEntity, error) {
	query := url.Values{}
	if !since.IsZero() {
		query.Set(transport.SinceParam, transport.FormatSince(since))
	}

	req, err := c.createRequest(ctx, http.MethodGet, transport.ChangesPath, query, nil)
	if err != nil {
		return nil, err
	}

	var resp transport.ChangesResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Entities, nil
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.createRequest(ctx, http.MethodGet, transport.HealthPath, nil, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) createRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do executes req and decodes a 2xx body into out.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Transport(fmt.Sprintf("%s %s failed", req.Method, req.URL.Path), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperrors.Transport("failed to read response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Serialization("failed to decode response body", err)
	}
	return nil
}

// statusError maps an HTTP failure onto the sync error taxonomy. Server-side
// and throttling failures are retryable; rejected payloads are not.
func statusError(status int, body []byte) error {
	msg := http.StatusText(status)
	var er transport.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Message != "" {
		msg = er.Message
	}
	message := fmt.Sprintf("server returned %d: %s", status, msg)

	switch {
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return apperrors.New(apperrors.ErrTransport, message)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return apperrors.New(apperrors.ErrTransport, message)
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return apperrors.New(apperrors.ErrSerialization, message)
	default:
		return apperrors.New(apperrors.ErrInvalid, message)
	}
}
