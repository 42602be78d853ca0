// Package logclient is the HTTP client of the log service.
//
// Every call mints a fresh token: ReadTTL for GET /state and WriteTTL for
// the POST endpoints. Transport errors are returned to the caller
// unchanged (wrapped). Retrying is opt-in through WithRetry and applies
// to pulls only, since a blindly replayed append could land twice.
package logclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/thekeeper/internal/auth"
	"github.com/roach88/thekeeper/internal/event"
	"github.com/roach88/thekeeper/internal/keys"
)

// ContentTypeProtobuf is the media type of event batches.
const ContentTypeProtobuf = "application/x-protobuf"

var (
	// ErrInvalidCode is returned by Redeem when the service refuses a code.
	ErrInvalidCode = errors.New("invalid or already used code")

	// ErrAckMismatch means the service acknowledged a different number of
	// events than were sent.
	ErrAckMismatch = errors.New("ack count does not match event count")
)

// StatusError is a non-2xx response from the log service.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("log service: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("log service: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Doer sends HTTP requests. *http.Client implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Minter mints proof-of-possession tokens. *auth.Authenticator implements it.
type Minter interface {
	Mint(kp keys.KeyPair, audience string, ttl time.Duration) (string, error)
}

// Client talks to one log service on behalf of one keypair.
type Client struct {
	baseURL  string
	minter   Minter
	kp       keys.KeyPair
	http     Doer
	logger   *slog.Logger
	readTTL  time.Duration
	writeTTL time.Duration
	maxTries uint

	// newBackOff is replaced in tests to avoid sleeping.
	newBackOff func() backoff.BackOff
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(d Doer) Option {
	return func(c *Client) { c.http = d }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTTLs overrides the token lifetimes.
func WithTTLs(read, write time.Duration) Option {
	return func(c *Client) {
		c.readTTL = read
		c.writeTTL = write
	}
}

// WithRetry retries pulls that fail at the transport level, up to
// maxTries attempts in total, with exponential backoff. HTTP status
// errors are never retried.
func WithRetry(maxTries uint) Option {
	return func(c *Client) { c.maxTries = maxTries }
}

// New creates a Client for the service at baseURL.
func New(baseURL string, minter Minter, kp keys.KeyPair, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		minter:   minter,
		kp:       kp,
		http:     http.DefaultClient,
		logger:   slog.Default(),
		readTTL:  auth.ReadTTL,
		writeTTL: auth.WriteTTL,
		maxTries: 1,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxTries == 0 {
		c.maxTries = 1
	}
	return c
}

// Pull returns the envelopes strictly after cursor, in log order.
func (c *Client) Pull(ctx context.Context, cursor int64) ([]event.Envelope, error) {
	path := "/state?from=" + strconv.FormatInt(cursor, 10)

	op := func() ([]byte, error) {
		return c.do(ctx, http.MethodGet, path, c.readTTL, nil, "")
	}
	body, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("pull failed, retrying", "error", err, "in", next)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("pull from %d: %w", cursor, err)
	}

	envs, err := event.UnmarshalEnvelopes(body)
	if err != nil {
		return nil, fmt.Errorf("pull from %d: %w", cursor, err)
	}
	if len(envs) > 0 && envs[0].TS <= cursor {
		return nil, fmt.Errorf("pull from %d: %w: first ts %d", cursor, event.ErrOutOfOrder, envs[0].TS)
	}

	c.logger.Debug("pulled events", "from", cursor, "count", len(envs))
	return envs, nil
}

// Append submits events in order and returns one ack per event.
func (c *Client) Append(ctx context.Context, events []event.Event) ([]event.Ack, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("append: no events")
	}
	payload, err := event.MarshalEvents(events)
	if err != nil {
		return nil, fmt.Errorf("append: %w", err)
	}

	body, err := c.once(ctx, http.MethodPost, "/state", c.writeTTL, payload, ContentTypeProtobuf)
	if err != nil {
		return nil, fmt.Errorf("append: %w", err)
	}

	acks, err := event.UnmarshalAcks(body)
	if err != nil {
		return nil, fmt.Errorf("append: %w", err)
	}
	if len(acks) != len(events) {
		return nil, fmt.Errorf("append: %w: sent %d, got %d", ErrAckMismatch, len(events), len(acks))
	}

	c.logger.Debug("appended events", "count", len(events))
	return acks, nil
}

// CreateShareCode asks the service for a one-time code that links another
// key to the actor owning handle. Only orga actors may do this.
func (c *Client) CreateShareCode(ctx context.Context, handle string) (string, error) {
	body, err := c.once(ctx, http.MethodPost, "/auth/handles/"+url.PathEscape(handle), c.writeTTL, nil, "")
	if err != nil {
		return "", fmt.Errorf("create share code: %w", err)
	}

	var resp struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("create share code: decode response: %w", err)
	}
	if resp.Code == "" {
		return "", fmt.Errorf("create share code: empty code in response")
	}
	return resp.Code, nil
}

// Redeem links this client's key to the actor a share code was issued for.
func (c *Client) Redeem(ctx context.Context, code string) error {
	_, err := c.once(ctx, http.MethodPost, "/auth/redeem/"+url.PathEscape(code), c.writeTTL, nil, "")
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return fmt.Errorf("redeem: %w: %s", ErrInvalidCode, se.Message)
		}
		return fmt.Errorf("redeem: %w", err)
	}
	return nil
}

// once performs a single attempt, unwrapping the permanent-error marker
// do uses for the retry loop.
func (c *Client) once(ctx context.Context, method, path string, ttl time.Duration, payload []byte, contentType string) ([]byte, error) {
	body, err := c.do(ctx, method, path, ttl, payload, contentType)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return nil, perm.Unwrap()
	}
	return body, err
}

// do performs one request. Failures that a retry cannot fix are wrapped
// with backoff.Permanent.
func (c *Client) do(ctx context.Context, method, path string, ttl time.Duration, payload []byte, contentType string) ([]byte, error) {
	token, err := c.minter.Mint(c.kp, auth.Audience, ttl)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("mint token: %w", err))
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("log service request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode}
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &msg) == nil {
			se.Message = msg.Message
		}
		return nil, backoff.Permanent(se)
	}
	return body, nil
}
