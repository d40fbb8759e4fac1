// Package transport is the HTTP layer under the CDN provider APIs: explicit
// per-request timeouts, client side rate limiting and the one-shot token
// refresh protocol.
package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cache-flush/pkg/logging"

	"github.com/google/uuid"
	perrors "github.com/jmgilman/go/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// ReadTimeout bounds GET and HEAD requests.
	ReadTimeout = 30 * time.Second
	// MutatingTimeout bounds every other verb.
	MutatingTimeout = 120 * time.Second

	// RequestIDHeader carries a per-request id for correlating provider logs.
	RequestIDHeader = "X-Request-Id"
)

// MsgUnreachable is the message of network failures.
const MsgUnreachable = "Failed to reach API endpoint"

// Request is one API call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Timeout overrides the verb's default timeout.
	Timeout time.Duration
}

// Response is a fully read API response.
type Response struct {
	StatusCode int
	// Reason is the status line's reason phrase, such as "Unauthorized".
	Reason string
	Header http.Header
	Body   []byte
}

// Options configures a Client.
type Options struct {
	// HTTPClient performs the requests; nil uses a client without a global timeout.
	HTTPClient *http.Client
	// RateLimit caps requests per second; zero disables limiting.
	RateLimit rate.Limit
	Burst     int
	UserAgent string
}

// Client sends API requests.
type Client struct {
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
	logger    *logging.Logger
}

// NewClient creates a client.
func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	c := &Client{
		http:      hc,
		userAgent: opts.UserAgent,
		logger:    logging.Component("cdn.transport"),
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	return c
}

// HTTPClient returns the underlying HTTP client.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

func timeoutFor(method string) time.Duration {
	switch method {
	case http.MethodGet, http.MethodHead:
		return ReadTimeout
	default:
		return MutatingTimeout
	}
}

// Do sends req and reads the whole response. Only network failures are
// returned as errors; every status code is returned in the Response.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, perrors.Wrap(err, perrors.CodeRateLimit, MsgUnreachable)
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = timeoutFor(req.Method)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.CodeInvalidInput, "invalid request")
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	if c.userAgent != "" {
		hr.Header.Set("User-Agent", c.userAgent)
	}
	id := uuid.NewString()
	hr.Header.Set(RequestIDHeader, id)

	start := time.Now()
	resp, err := c.http.Do(hr)
	if err != nil {
		c.logger.Debug("request failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL),
			zap.String("request_id", id),
			zap.Error(err),
		)
		code := perrors.CodeNetwork
		if ctx.Err() == context.DeadlineExceeded {
			code = perrors.CodeTimeout
		}
		return nil, perrors.Wrap(err, code, MsgUnreachable)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.CodeNetwork, MsgUnreachable)
	}

	c.logger.Debug("request",
		zap.String("method", req.Method),
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", id),
		zap.Duration("duration", time.Since(start)),
	)

	return &Response{
		StatusCode: resp.StatusCode,
		Reason:     reason(resp),
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func reason(resp *http.Response) string {
	prefix := strconv.Itoa(resp.StatusCode) + " "
	if strings.HasPrefix(resp.Status, prefix) {
		return strings.TrimPrefix(resp.Status, prefix)
	}
	return http.StatusText(resp.StatusCode)
}
