package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/example/carpool-coordinator/internal/logging"
	"github.com/example/carpool-coordinator/internal/observability"
)

// Options configures a Client. Zero values get defaults.
type Options struct {
	BaseURL         string
	SessionToken    string
	SessionCookie   string
	ReadTimeout     time.Duration
	MutationTimeout time.Duration
	Attempts        int
	Backoff         time.Duration
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// Client is the request layer over the backend ride and match endpoints.
// It is safe for concurrent use.
type Client struct {
	baseURL         string
	token           string
	cookie          string
	readTimeout     time.Duration
	mutationTimeout time.Duration
	attempts        int
	backoff         time.Duration
	http            *http.Client
	logger          *slog.Logger
}

func New(opts Options) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		token:           opts.SessionToken,
		cookie:          opts.SessionCookie,
		readTimeout:     opts.ReadTimeout,
		mutationTimeout: opts.MutationTimeout,
		attempts:        opts.Attempts,
		backoff:         opts.Backoff,
		http:            opts.HTTPClient,
		logger:          logging.OrDefault(opts.Logger),
	}
	if c.cookie == "" {
		c.cookie = "jwt"
	}
	if c.readTimeout <= 0 {
		c.readTimeout = 5 * time.Second
	}
	if c.mutationTimeout <= 0 {
		c.mutationTimeout = 10 * time.Second
	}
	if c.attempts <= 0 {
		c.attempts = 3
	}
	if c.backoff <= 0 {
		c.backoff = 500 * time.Millisecond
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

type call struct {
	endpoint string
	method   string
	path     string
	query    url.Values
	body     any
	out      any
	mutating bool
	// single disables retries for non-idempotent posts and fire-and-forget telemetry.
	single bool
	// raw receives the response body when out is nil.
	raw *[]byte
}

func (c *Client) do(ctx context.Context, cl call) error {
	start := time.Now()
	attempts := c.attempts
	if cl.single {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.backoff
	eb.MaxInterval = 8 * c.backoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.attempt(ctx, cl)
		if err != nil && !Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("backend_retry", "endpoint", cl.endpoint, "error", err, "next", next)
		}),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	observability.BackendRequestsTotal.WithLabelValues(cl.endpoint, Outcome(err)).Inc()
	observability.BackendRequestDuration.WithLabelValues(cl.endpoint).Observe(time.Since(start).Seconds())
	return err
}

func (c *Client) attempt(parent context.Context, cl call) error {
	timeout := c.readTimeout
	if cl.mutating {
		timeout = c.mutationTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	u := c.baseURL + "/api" + cl.path
	if len(cl.query) > 0 {
		u += "?" + cl.query.Encode()
	}
	var body io.Reader = http.NoBody
	if cl.body != nil {
		b, err := json.Marshal(cl.body)
		if err != nil {
			return fmt.Errorf("%w: encode %s: %v", ErrValidation, cl.endpoint, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, u, body)
	if err != nil {
		return fmt.Errorf("%w: build %s: %v", ErrValidation, cl.endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.AddCookie(&http.Cookie{Name: c.cookie, Value: c.token})
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(parent, ctx, cl.endpoint, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return classifyTransport(parent, ctx, cl.endpoint, err)
	}

	if resp.StatusCode >= 300 {
		return classifyStatus(cl.endpoint, resp.StatusCode, payload)
	}
	if cl.raw != nil {
		*cl.raw = payload
	}
	if cl.out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, cl.out); err != nil {
		return fmt.Errorf("decode %s: %w", cl.endpoint, err)
	}
	return nil
}

func classifyTransport(parent, attemptCtx context.Context, endpoint string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	var ne net.Error
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, endpoint, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrTransient, endpoint, err)
}

func classifyStatus(endpoint string, code int, payload []byte) error {
	se := &StatusError{Endpoint: endpoint, Code: code, Body: strings.TrimSpace(string(payload))}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrAuthExpired, se)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, se)
	case code == http.StatusConflict:
		return fmt.Errorf("%w: %w", ErrDuplicate, se)
	case code == http.StatusBadRequest:
		if strings.Contains(strings.ToLower(se.Body), "already") {
			return fmt.Errorf("%w: %w", ErrDuplicate, se)
		}
		return fmt.Errorf("%w: %w", ErrValidation, se)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %w", ErrTimeout, se)
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: %w", ErrTransient, se)
	default:
		return fmt.Errorf("%w: %w", ErrValidation, se)
	}
}
