package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/klauspost/compress/gzip"

	resilience "github.com/apteryx-labs/go-social-resilience"
)

// lineBufferSize bounds the read-ahead between the pump and the consumer.
const lineBufferSize = 64

// maxLineSize caps one line-delimited message.
const maxLineSize = 1 << 20 // 1MB

// HTTPStreamTransport implements resilience.StreamTransport over a
// line-delimited HTTP stream: each non-blank line of the chunked response
// body is one JSON event, and blank keep-alive lines are heartbeats.
// Backfill issues a bounded query whose response is a JSON array of events.
type HTTPStreamTransport struct {
	client   *http.Client
	logger   *slog.Logger
	decode   DecodeFunc
	backfill func(req *Request, cursor resilience.Cursor, limit int) *Request
	rest     *HTTPTransport
}

// NewHTTPStreamTransport creates a streaming transport over line-delimited
// HTTP.
func NewHTTPStreamTransport(opts ...HTTPOption) *HTTPStreamTransport {
	cfg := newHTTPConfig(opts)
	// Streaming reads block indefinitely between events; the per-request
	// timeout must not apply.
	streamClient := &http.Client{Transport: cfg.client.Transport}
	return &HTTPStreamTransport{
		client:   streamClient,
		logger:   cfg.logger,
		decode:   cfg.decode,
		backfill: cfg.backfill,
		rest: &HTTPTransport{
			client:    cfg.client,
			logger:    cfg.logger,
			userAgent: cfg.userAgent,
		},
	}
}

// Open implements resilience.StreamTransport. The returned handle owns the
// connection: it outlives ctx (which only governs the dial) and stays open
// until Close.
func (t *HTTPStreamTransport) Open(ctx context.Context, req *Request, cursor resilience.Cursor) (resilience.StreamHandle[json.RawMessage], error) {
	hctx, hcancel := context.WithCancel(context.WithoutCancel(ctx))

	httpReq, err := buildRequest(hctx, req, "")
	if err != nil {
		hcancel()
		return nil, resilience.NewStatusCodeError(http.StatusBadRequest, err)
	}

	// Honor ctx cancellation during the dial only.
	dialed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			hcancel()
		case <-dialed:
		}
	}()

	resp, err := t.client.Do(httpReq)
	close(dialed)
	if err != nil {
		hcancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		hcancel()
		if resp.StatusCode == http.StatusTooManyRequests {
			rle := &resilience.RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
			if snap := parseBudget(resp.Header); snap != nil {
				rle.ResetAt = snap.ResetAt
			}
			return nil, rle
		}
		return nil, resilience.NewStatusCodeError(resp.StatusCode,
			fmt.Errorf("stream open rejected with status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
	}

	body := io.ReadCloser(resp.Body)
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			hcancel()
			return nil, err
		}
		body = struct {
			io.Reader
			io.Closer
		}{gz, resp.Body}
	}

	h := &lineHandle{
		body:   body,
		cancel: hcancel,
		lines:  make(chan lineResult, lineBufferSize),
		done:   make(chan struct{}),
		decode: t.decode,
	}
	go h.pump()
	return h, nil
}

// Backfill implements resilience.StreamTransport. It issues a bounded query
// through the request/response transport and decodes the JSON array it
// returns, oldest first.
func (t *HTTPStreamTransport) Backfill(ctx context.Context, req *Request, cursor resilience.Cursor, limit int) ([]resilience.Event[json.RawMessage], error) {
	query := t.backfill(req, cursor, limit)
	out, err := t.rest.Send(ctx, resilience.Operation[*Request]{
		Name:    "stream.backfill",
		Request: query,
	})
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(out.Payload, &raw); err != nil {
		// Some endpoints wrap the array in {"data": [...]}.
		var wrapped struct {
			Data []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(out.Payload, &wrapped); err != nil {
			return nil, resilience.NewStatusCodeError(http.StatusBadGateway,
				fmt.Errorf("backfill response is not an event array: %w", err))
		}
		raw = wrapped.Data
	}

	events := make([]resilience.Event[json.RawMessage], 0, len(raw))
	for _, item := range raw {
		ev, err := t.decode(item)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// lineResult is one pumped line or the pump's terminal error.
type lineResult struct {
	event resilience.Event[json.RawMessage]
	err   error
}

// lineHandle reads newline-delimited events off a live response body. A
// dedicated pump goroutine owns the blocking reads so Next can honor ctx.
type lineHandle struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	lines  chan lineResult
	done   chan struct{}
	decode DecodeFunc
}

// deliver hands a result to the consumer unless the handle was closed.
func (h *lineHandle) deliver(res lineResult) bool {
	select {
	case h.lines <- res:
		return true
	case <-h.done:
		return false
	}
}

func (h *lineHandle) pump() {
	defer close(h.lines)

	scanner := bufio.NewScanner(h.body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			// Keep-alive.
			if !h.deliver(lineResult{event: resilience.Event[json.RawMessage]{Heartbeat: true}}) {
				return
			}
			continue
		}
		ev, err := h.decode(line)
		if err != nil {
			h.deliver(lineResult{err: err})
			return
		}
		if !h.deliver(lineResult{event: ev}) {
			return
		}
	}

	err := scanner.Err()
	if err == nil {
		// Server closed the stream cleanly; the session treats it as a
		// transient drop and reconnects.
		err = io.EOF
	}
	h.deliver(lineResult{err: err})
}

// Next implements resilience.StreamHandle.
func (h *lineHandle) Next(ctx context.Context) (resilience.Event[json.RawMessage], error) {
	select {
	case <-ctx.Done():
		return resilience.Event[json.RawMessage]{}, ctx.Err()
	case res, ok := <-h.lines:
		if !ok {
			return resilience.Event[json.RawMessage]{}, io.EOF
		}
		return res.event, res.err
	}
}

// Close implements resilience.StreamHandle.
func (h *lineHandle) Close() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	close(h.done)
	h.cancel()
	return h.body.Close()
}
