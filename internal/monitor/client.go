// Package monitor is the client side of tegrastats-web: REST queries, the
// live WebSocket stream and terminal renderers.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/skobkin/tegrastats-web/internal/api"
	"github.com/skobkin/tegrastats-web/internal/tegrastats"
	"github.com/skobkin/tegrastats-web/internal/version"
)

const (
	clientName      = "tegrastatsctl"
	maxResponseSize = 1 << 20
)

// Endpoints lists the names accepted by Client.Get.
var Endpoints = []string{"status", "cpu", "memory", "temperature", "power", "gpu", "health", "device", "version"}

// ErrUnknownEndpoint is returned by Get for names outside Endpoints.
var ErrUnknownEndpoint = errors.New("unknown endpoint")

// StatusError is a non-2xx reply from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Unavailable reports whether the server has no data yet.
func (e *StatusError) Unavailable() bool {
	return e.Code == http.StatusServiceUnavailable
}

// ClientOptions tune request retries.
type ClientOptions struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// DefaultClientOptions returns the options used by tegrastatsctl.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Timeout:      5 * time.Second,
		RetryMax:     3,
		RetryWaitMin: 250 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
	}
}

// Client talks to a tegrastats-web server.
type Client struct {
	base      *url.URL
	http      *retryablehttp.Client
	userAgent string
}

// NewClient builds a Client for the server at baseURL.
func NewClient(baseURL string, opts ClientOptions) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("parse server url: unsupported scheme %q", base.Scheme)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("parse server url: missing host")
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = opts.RetryWaitMax
	}
	if opts.Timeout > 0 {
		retryClient.HTTPClient.Timeout = opts.Timeout
	}
	retryClient.Logger = nil
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		base:      base,
		http:      retryClient,
		userAgent: version.UserAgent(clientName),
	}, nil
}

// Get fetches /api/<endpoint> and returns the raw JSON body.
func (c *Client) Get(ctx context.Context, endpoint string) ([]byte, error) {
	if !slices.Contains(Endpoints, endpoint) {
		return nil, fmt.Errorf("%w %q (want one of %s)", ErrUnknownEndpoint, endpoint, strings.Join(Endpoints, ", "))
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpointURL("/api/"+endpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Code: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if api.Decode(body, &payload) == nil {
			statusErr.Message = payload.Error
		}
		return nil, statusErr
	}

	return body, nil
}

// Status fetches the latest snapshot.
func (c *Client) Status(ctx context.Context) (tegrastats.Snapshot, error) {
	body, err := c.Get(ctx, "status")
	if err != nil {
		return tegrastats.Snapshot{}, err
	}

	var snap tegrastats.Snapshot
	if err := api.Decode(body, &snap); err != nil {
		return tegrastats.Snapshot{}, err
	}
	return snap, nil
}

func (c *Client) endpointURL(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// StreamURL returns the WebSocket URL of the live stream.
func (c *Client) StreamURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}
