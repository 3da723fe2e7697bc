// Package transport provides concrete authenticated-transport collaborators
// for the resilience layer: an HTTP request/response transport and two
// streaming transports (chunked HTTP and websocket). They translate wire
// details — rate-limit headers, retry-after hints, gzip bodies, keep-alive
// lines — into the envelopes and error types the resilience core classifies.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	resilience "github.com/apteryx-labs/go-social-resilience"
)

// Request describes one already-authenticated HTTP call. Auth material
// (bearer tokens, OAuth signatures) is expected to already be present in
// Header; this package never constructs credentials.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// clone returns a deep enough copy for mutation by URL-rewriting helpers.
func (r *Request) clone() *Request {
	out := &Request{Method: r.Method, URL: r.URL, Body: r.Body}
	out.Header = r.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	return out
}

// maxErrorBody caps how much of an error response is kept for the message.
const maxErrorBody = 2048

// HTTPTransport implements resilience.Transport for request/response calls.
// Responses are decompressed when gzip-encoded, and x-rate-limit-* headers
// are surfaced in the outcome envelope so the dispatcher can track budget.
type HTTPTransport struct {
	client    *http.Client
	logger    *slog.Logger
	userAgent string
}

// HTTPOption configures an HTTPTransport or HTTPStreamTransport.
type HTTPOption func(*httpConfig)

type httpConfig struct {
	client    *http.Client
	logger    *slog.Logger
	userAgent string
	decode    DecodeFunc
	backfill  func(req *Request, cursor resilience.Cursor, limit int) *Request
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(cfg *httpConfig) {
		cfg.client = c
	}
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) HTTPOption {
	return func(cfg *httpConfig) {
		cfg.userAgent = ua
	}
}

// WithTransportLogger sets a custom logger.
func WithTransportLogger(logger *slog.Logger) HTTPOption {
	return func(cfg *httpConfig) {
		cfg.logger = logger
	}
}

// DecodeFunc turns one wire message (a stream line or a backfill array
// element) into an event.
type DecodeFunc func(data []byte) (resilience.Event[json.RawMessage], error)

// WithEventDecoder replaces the default event envelope decoder.
func WithEventDecoder(decode DecodeFunc) HTTPOption {
	return func(cfg *httpConfig) {
		cfg.decode = decode
	}
}

// WithBackfillRequest sets how a backfill query is derived from the stream
// request. The default appends since_id (or start_time) and max_results
// query parameters.
func WithBackfillRequest(fn func(req *Request, cursor resilience.Cursor, limit int) *Request) HTTPOption {
	return func(cfg *httpConfig) {
		cfg.backfill = fn
	}
}

func newHTTPConfig(opts []HTTPOption) *httpConfig {
	cfg := &httpConfig{
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   slog.Default(),
		decode:   DecodeEnvelope,
		backfill: defaultBackfillRequest,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.client == nil {
		cfg.client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.decode == nil {
		cfg.decode = DecodeEnvelope
	}
	if cfg.backfill == nil {
		cfg.backfill = defaultBackfillRequest
	}
	return cfg
}

// NewHTTPTransport creates a request/response transport.
func NewHTTPTransport(opts ...HTTPOption) *HTTPTransport {
	cfg := newHTTPConfig(opts)
	return &HTTPTransport{
		client:    cfg.client,
		logger:    cfg.logger,
		userAgent: cfg.userAgent,
	}
}

// Send implements resilience.Transport[*Request, []byte].
func (t *HTTPTransport) Send(ctx context.Context, op resilience.Operation[*Request]) (*resilience.Outcome[[]byte], error) {
	req, err := buildRequest(ctx, op.Request, t.userAgent)
	if err != nil {
		return nil, resilience.NewStatusCodeError(http.StatusBadRequest, err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &resilience.Outcome[[]byte]{
		Budget:     parseBudget(resp.Header),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := readBody(resp)
		if err != nil {
			return out, err
		}
		out.Payload = body
		return out, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	t.logger.Debug("request rejected",
		"op", op.Name,
		"status", resp.StatusCode)

	if resp.StatusCode == http.StatusTooManyRequests {
		rle := &resilience.RateLimitError{
			Bucket:     op.Bucket,
			RetryAfter: out.RetryAfter,
		}
		if out.Budget != nil {
			rle.ResetAt = out.Budget.ResetAt
		}
		return out, rle
	}

	return out, resilience.NewStatusCodeError(resp.StatusCode,
		fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
}

// buildRequest converts a Request into an *http.Request with gzip accepted.
func buildRequest(ctx context.Context, r *Request, userAgent string) (*http.Request, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, err
	}
	for key, values := range r.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	// Decompression is handled explicitly so budget headers stay visible
	// on the raw response.
	req.Header.Set("Accept-Encoding", "gzip")
	return req, nil
}

// readBody reads a response body, decompressing gzip content.
func readBody(resp *http.Response) ([]byte, error) {
	reader := io.Reader(resp.Body)
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	}
	return io.ReadAll(reader)
}

// parseBudget extracts x-rate-limit-* headers. Reset is epoch seconds.
func parseBudget(h http.Header) *resilience.BudgetSnapshot {
	limitStr := h.Get("x-rate-limit-limit")
	remainingStr := h.Get("x-rate-limit-remaining")
	resetStr := h.Get("x-rate-limit-reset")
	if limitStr == "" && remainingStr == "" && resetStr == "" {
		return nil
	}

	snap := &resilience.BudgetSnapshot{}
	if v, err := strconv.Atoi(limitStr); err == nil {
		snap.Limit = v
	}
	if v, err := strconv.Atoi(remainingStr); err == nil {
		snap.Remaining = v
	}
	if v, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
		snap.ResetAt = time.Unix(v, 0)
	}
	return snap
}

// parseRetryAfter parses a Retry-After header as seconds or an HTTP date.
// Returns 0 if the header is absent or invalid.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	if t, err := http.ParseTime(header); err == nil {
		delta := time.Until(t)
		if delta > 0 {
			// Cap at 1 hour
			if delta > time.Hour {
				delta = time.Hour
			}
			return delta
		}
	}

	return 0
}

// DecodeEnvelope is the default DecodeFunc. It expects
// {"id": ..., "timestamp": ..., "data": {...}} and falls back to treating the
// whole message as an id-less payload when the envelope does not match.
func DecodeEnvelope(data []byte) (resilience.Event[json.RawMessage], error) {
	var env struct {
		ID        string          `json:"id"`
		Timestamp time.Time       `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil || (env.ID == "" && len(env.Data) == 0) {
		return resilience.Event[json.RawMessage]{
			Payload: json.RawMessage(append([]byte(nil), data...)),
		}, nil
	}

	payload := env.Data
	if len(payload) == 0 {
		payload = json.RawMessage(append([]byte(nil), data...))
	}
	return resilience.Event[json.RawMessage]{
		ID:        env.ID,
		Timestamp: env.Timestamp,
		Payload:   payload,
	}, nil
}

// defaultBackfillRequest appends cursor and page-size query parameters to the
// stream request URL.
func defaultBackfillRequest(r *Request, cursor resilience.Cursor, limit int) *Request {
	out := r.clone()
	out.Method = http.MethodGet
	sep := "?"
	if bytes.ContainsRune([]byte(out.URL), '?') {
		sep = "&"
	}
	switch {
	case cursor.LastEventID != "":
		out.URL += sep + "since_id=" + cursor.LastEventID
	case !cursor.LastEventAt.IsZero():
		out.URL += sep + "start_time=" + cursor.LastEventAt.UTC().Format(time.RFC3339)
	default:
		return out
	}
	out.URL += "&max_results=" + strconv.Itoa(limit)
	return out
}
