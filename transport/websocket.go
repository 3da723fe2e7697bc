package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	resilience "github.com/apteryx-labs/go-social-resilience"
)

const (
	// Time allowed to write a ping to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB
)

// BackfillFunc answers bounded gap queries for a websocket feed, which has
// no native replay. It is typically backed by the platform's REST search or
// timeline endpoint.
type BackfillFunc func(ctx context.Context, req *Request, cursor resilience.Cursor, limit int) ([]resilience.Event[json.RawMessage], error)

// WSStreamTransport implements resilience.StreamTransport over a websocket
// event feed. Pongs from the server surface as heartbeat events so the
// session's liveness window sees a quiet-but-healthy connection.
type WSStreamTransport struct {
	dialer   *websocket.Dialer
	logger   *slog.Logger
	decode   DecodeFunc
	backfill BackfillFunc
}

// WSOption configures a WSStreamTransport.
type WSOption func(*WSStreamTransport)

// WithDialer sets a custom websocket dialer.
func WithDialer(d *websocket.Dialer) WSOption {
	return func(t *WSStreamTransport) {
		t.dialer = d
	}
}

// WithWSLogger sets a custom logger.
func WithWSLogger(logger *slog.Logger) WSOption {
	return func(t *WSStreamTransport) {
		t.logger = logger
	}
}

// WithWSEventDecoder replaces the default event envelope decoder.
func WithWSEventDecoder(decode DecodeFunc) WSOption {
	return func(t *WSStreamTransport) {
		t.decode = decode
	}
}

// WithWSBackfill sets the gap-query collaborator. Without one, backfill
// returns no events and gaps are simply skipped.
func WithWSBackfill(fn BackfillFunc) WSOption {
	return func(t *WSStreamTransport) {
		t.backfill = fn
	}
}

// NewWSStreamTransport creates a websocket streaming transport.
func NewWSStreamTransport(opts ...WSOption) *WSStreamTransport {
	t := &WSStreamTransport{
		dialer: websocket.DefaultDialer,
		logger: slog.Default(),
		decode: DecodeEnvelope,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open implements resilience.StreamTransport. The request's URL must be a
// ws:// or wss:// endpoint; headers carry the auth material.
func (t *WSStreamTransport) Open(ctx context.Context, req *Request, cursor resilience.Cursor) (resilience.StreamHandle[json.RawMessage], error) {
	conn, resp, err := t.dialer.DialContext(ctx, req.URL, req.Header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusTooManyRequests {
				rle := &resilience.RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
				if snap := parseBudget(resp.Header); snap != nil {
					rle.ResetAt = snap.ResetAt
				}
				return nil, rle
			}
			return nil, resilience.NewStatusCodeError(resp.StatusCode, err)
		}
		return nil, err
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	h := &wsHandle{
		conn:     conn,
		logger:   t.logger,
		decode:   t.decode,
		messages: make(chan lineResult, lineBufferSize),
		done:     make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		// A pong proves the connection is alive even when no events
		// flow; surface it so the liveness window resets.
		select {
		case h.messages <- lineResult{event: resilience.Event[json.RawMessage]{Heartbeat: true}}:
		default:
		}
		return nil
	})

	go h.readPump()
	go h.pingLoop()
	return h, nil
}

// Backfill implements resilience.StreamTransport.
func (t *WSStreamTransport) Backfill(ctx context.Context, req *Request, cursor resilience.Cursor, limit int) ([]resilience.Event[json.RawMessage], error) {
	if t.backfill == nil {
		return nil, nil
	}
	return t.backfill(ctx, req, cursor, limit)
}

// wsHandle owns one websocket connection.
type wsHandle struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	decode   DecodeFunc
	messages chan lineResult
	done     chan struct{}
}

func (h *wsHandle) readPump() {
	defer close(h.messages)

	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			select {
			case h.messages <- lineResult{err: err}:
			case <-h.done:
			}
			return
		}
		_ = h.conn.SetReadDeadline(time.Now().Add(pongWait))

		ev, err := h.decode(data)
		if err != nil {
			select {
			case h.messages <- lineResult{err: err}:
			case <-h.done:
			}
			return
		}
		select {
		case h.messages <- lineResult{event: ev}:
		case <-h.done:
			return
		}
	}
}

func (h *wsHandle) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.logger.Debug("websocket ping failed", "error", err)
				return
			}
		case <-h.done:
			return
		}
	}
}

// Next implements resilience.StreamHandle.
func (h *wsHandle) Next(ctx context.Context) (resilience.Event[json.RawMessage], error) {
	select {
	case <-ctx.Done():
		return resilience.Event[json.RawMessage]{}, ctx.Err()
	case res, ok := <-h.messages:
		if !ok {
			return resilience.Event[json.RawMessage]{}, errors.New("transport: websocket handle closed")
		}
		return res.event, res.err
	}
}

// Close implements resilience.StreamHandle.
func (h *wsHandle) Close() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	close(h.done)
	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return h.conn.Close()
}
