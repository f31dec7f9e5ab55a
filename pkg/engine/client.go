package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/ochronus/engineapi/internal/services/retry"
	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
)

// Client talks to the engine REST API. A Client owns one connection pool and
// is not safe for concurrent operations; use one Client per goroutine.
type Client struct {
	baseURL    string
	logger     *logrus.Logger
	timeout    time.Duration
	maxRetries int
	errorOn404 bool
	chunkRetry retry.Policy

	httpClient *http.Client
	rc         *retryablehttp.Client

	mu      sync.Mutex
	opened  bool
	closed  bool
	lastErr error
}

var _ ClientAPI = (*Client)(nil)

// Option customises a Client.
type Option func(*Client)

// WithLogger sets the logger. By default the client logs nothing.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout bounds every JSON request. Uploads are bounded by the caller's context only.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often JSON requests and upload chunks are retried on
// transport failures and 5xx answers.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithErrorOn404 makes read operations report 404 as an APIError instead of an empty result.
func WithErrorOn404(enabled bool) Option {
	return func(c *Client) {
		c.errorOn404 = enabled
	}
}

// WithChunkBackoff sets the base delay between chunk retries.
func WithChunkBackoff(base time.Duration) Option {
	return func(c *Client) {
		c.chunkRetry.BaseDelay = base
	}
}

// NewClient creates a client for the engine rooted at baseURL, e.g.
// "http://localhost:8080/engine/v2".
func NewClient(baseURL string, opts ...Option) *Client {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
		timeout:    defaultTimeout,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Open starts the connection pool. Calling it is optional, operations open the
// client on first use.
func (c *Client) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked()
}

func (c *Client) openLocked() error {
	if c.closed {
		return &TransportError{Op: "open", URL: c.baseURL, Err: ErrClosed}
	}
	if c.opened {
		return nil
	}

	rc := retryablehttp.NewClient()
	if c.httpClient != nil {
		rc.HTTPClient = c.httpClient
	}
	rc.RetryMax = c.maxRetries
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = leveledLogger{c.logger}
	// Hand the final response back so its error body can be parsed.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c.rc = rc
	c.chunkRetry.Attempts = c.maxRetries + 1
	c.chunkRetry.MaxDelay = rc.RetryWaitMax * 5
	c.chunkRetry.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Debugf("chunk delivery failed (%v), attempt %d in %s", err, attempt+1, delay)
	}
	c.opened = true
	c.logger.Debugf("engine client opened for %s", c.baseURL)
	return nil
}

// Close releases the connection pool. Operations after Close fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return &TransportError{Op: "close", URL: c.baseURL, Err: ErrClosed}
	}
	c.closed = true
	if !c.opened {
		return nil
	}
	c.rc.HTTPClient.CloseIdleConnections()
	c.logger.Debugf("engine client for %s closed", c.baseURL)
	return nil
}

// LastError returns the error of the most recent operation, nil if it succeeded.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Client) setLastError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// transport returns the retrying client, opening the pool on first use.
func (c *Client) transport() (*retryablehttp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.openLocked(); err != nil {
		return nil, err
	}
	return c.rc, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do sends a JSON request and returns the status and the fully read body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in interface{}) (int, []byte, error) {
	rc, err := c.transport()
	if err != nil {
		return 0, nil, err
	}

	target := c.endpoint(path, query)

	var body interface{}
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding %s %s request: %w", method, path, err)
		}
		body = data
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, &TransportError{Op: strings.ToLower(method), URL: target, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debugf("%s %s", method, target)
	resp, err := rc.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Op: strings.ToLower(method), URL: target, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &TransportError{Op: "read response", URL: target, Err: err}
	}
	return resp.StatusCode, data, nil
}

// getJSON decodes a 200 body into out. A 404 yields found=false and no error
// unless the client reports 404 as an error.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) (bool, error) {
	status, body, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return false, err
	}

	switch {
	case status == http.StatusOK:
		if err := decode(body, out); err != nil {
			return false, err
		}
		return true, nil
	case status == http.StatusNotFound && !c.errorOn404:
		c.logger.Debugf("GET %s: not found", path)
		return false, nil
	default:
		return false, parseAPIError(status, body)
	}
}

// sendExpecting issues a request and maps the expected status to true.
func (c *Client) sendExpecting(ctx context.Context, method, path string, query url.Values, in interface{}, want int) (bool, error) {
	status, body, err := c.do(ctx, method, path, query, in)
	if err != nil {
		return false, err
	}
	if status != want {
		return false, parseAPIError(status, body)
	}
	return true, nil
}

func decode(body []byte, out interface{}) error {
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(out); err != nil {
		return fmt.Errorf("error decoding engine response: %w", err)
	}
	return nil
}

func escapeID(id string) string {
	return url.PathEscape(id)
}

// leveledLogger routes retryablehttp logging into logrus.
type leveledLogger struct {
	l *logrus.Logger
}

func (l leveledLogger) fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.l.WithFields(l.fields(kv)).Error(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.l.WithFields(l.fields(kv)).Warn(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.l.WithFields(l.fields(kv)).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.l.WithFields(l.fields(kv)).Trace(msg) }
