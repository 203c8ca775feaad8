package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// DefaultReconnectDelay is the fixed wait between a lost connection
	// and the next dial. It does not grow on repeated failures.
	DefaultReconnectDelay = 3 * time.Second

	// dialTimeout bounds a single connection attempt.
	dialTimeout = 15 * time.Second

	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second

	// channelReadLimit caps inbound frame size. Frames carry one short
	// message each.
	channelReadLimit = 1024 * 1024
)

// ChannelState is the live channel connection state.
type ChannelState int32

const (
	StateClosed ChannelState = iota
	StateConnecting
	StateOpen
)

func (s ChannelState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// wsConn abstracts the WebSocket connection so Channel can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// dialFunc opens one live channel connection.
type dialFunc func(ctx context.Context, url string) (wsConn, error)

// websocketDialer returns a dialFunc backed by coder/websocket, sending
// token as a Bearer credential when set.
func websocketDialer(token string) dialFunc {
	return func(ctx context.Context, u string) (wsConn, error) {
		header := http.Header{}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}

		conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
			HTTPHeader: header,
		})
		if err != nil {
			return nil, fmt.Errorf("dialing websocket: %w", err)
		}

		return conn, nil
	}
}

// LiveURL derives the live channel endpoint for userID from the REST base
// URL by swapping http for ws and https for wss.
func LiveURL(baseURL, userID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}

	if userID == "" {
		return "", errors.New("user ID is required for the live channel")
	}

	// Path holds the decoded ID and RawPath the escaped form, so String
	// escapes the ID exactly once.
	u.RawPath = strings.TrimRight(u.EscapedPath(), "/") + "/messages/ws/" + url.PathEscape(userID)
	u.Path = strings.TrimRight(u.Path, "/") + "/messages/ws/" + userID
	u.RawQuery = ""
	u.Fragment = ""

	return u.String(), nil
}

// channelHooks are invoked by the channel on state changes and inbound
// messages. They are called without any channel lock held.
type channelHooks struct {
	onOpen    func()
	onClose   func()
	onError   func(err error)
	onMessage func(m models.Message)
}

// Channel is the single per-user live connection. It is independent of
// which conversation is open: it delivers every new_message event and
// leaves filtering to its consumer.
//
// Lifecycle: Run dials, reads until the connection drops, then waits a
// fixed delay and dials again. Close cancels any pending reconnect timer
// and the live connection; Run returns and never dials again.
type Channel struct {
	url            string
	dial           dialFunc
	reconnectDelay time.Duration
	logger         *slog.Logger
	metrics        *Metrics
	hooks          channelHooks

	mu     sync.Mutex
	state  ChannelState
	conn   wsConn
	timer  *time.Timer
	cancel context.CancelFunc
	closed bool
	done   chan struct{}

	// writeMu serialises frame writes so sends leave in call order.
	writeMu sync.Mutex
}

func newChannel(u string, dial dialFunc, delay time.Duration, logger *slog.Logger, metrics *Metrics, hooks channelHooks) *Channel {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	return &Channel{
		url:            u,
		dial:           dial,
		reconnectDelay: delay,
		logger:         logger,
		metrics:        metrics,
		hooks:          hooks,
		done:           make(chan struct{}),
	}
}

// State returns the current connection state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Run connects and keeps the channel connected until ctx is cancelled or
// Close is called. It returns nil on teardown.
func (c *Channel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.cancel = cancel
	c.mu.Unlock()

	for {
		err := c.session(ctx)
		if c.stopped(ctx) {
			return nil
		}

		attrs := []any{slog.Duration("delay", c.reconnectDelay)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}

		c.logger.Warn("live channel lost, reconnecting", attrs...)

		if !c.waitReconnect(ctx) {
			return nil
		}

		c.metrics.reconnect()
	}
}

// session runs one connection from dial to close.
func (c *Channel) session(ctx context.Context) error {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := c.dial(dialCtx, c.url)
	cancel()

	if err != nil {
		c.setState(StateClosed)

		if c.stopped(ctx) {
			return nil
		}

		c.hooks.onError(fmt.Errorf("%w: %w", chaterrors.ErrConnection, err))

		return err
	}

	conn.SetReadLimit(channelReadLimit)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "bye")

		return nil
	}

	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	c.logger.Info("live channel open", slog.String("url", c.url))
	c.metrics.setConnected(true)
	c.hooks.onOpen()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.state = StateClosed
		c.mu.Unlock()

		c.metrics.setConnected(false)
		c.hooks.onClose()
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if c.stopped(ctx) {
				return nil
			}

			if status := websocket.CloseStatus(err); status != -1 {
				c.logger.Info("live channel closed by server", slog.Int("status", int(status)))
				return fmt.Errorf("closed by server: %w", err)
			}

			c.hooks.onError(fmt.Errorf("%w: %w", chaterrors.ErrConnection, err))
			conn.Close(websocket.StatusInternalError, "read failed")

			return fmt.Errorf("reading frame: %w", err)
		}

		c.handleFrame(typ, data)
	}
}

// handleFrame decodes one inbound frame. Malformed frames are logged and
// dropped without touching connection state.
func (c *Channel) handleFrame(typ websocket.MessageType, data []byte) {
	if typ == websocket.MessageBinary {
		c.logger.Debug("ignoring binary frame", slog.Int("bytes", len(data)))
		return
	}

	if !gjson.ValidBytes(data) {
		c.metrics.malformed()
		c.logger.Warn("dropping malformed frame", slog.Int("bytes", len(data)))

		return
	}

	frameType := gjson.GetBytes(data, "type").Str
	c.metrics.frame(frameType)

	switch frameType {
	case FrameNewMessage:
		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.metrics.malformed()
			c.logger.Warn("dropping undecodable new_message frame", slog.String("error", err.Error()))

			return
		}

		if frame.Message == nil {
			c.logger.Debug("new_message frame without message")
			return
		}

		c.hooks.onMessage(*frame.Message)

	case FrameError:
		c.logger.Warn("server reported error", slog.String("message", gjson.GetBytes(data, "message").Str))

	default:
		c.logger.Debug("ignoring frame", slog.String("type", frameType))
	}
}

// waitReconnect blocks for the reconnect delay. It returns false if the
// channel was torn down while waiting.
func (c *Channel) waitReconnect(ctx context.Context) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}

	timer := time.NewTimer(c.reconnectDelay)
	c.timer = timer
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		timer.Stop()

		if c.timer == timer {
			c.timer = nil
		}
		c.mu.Unlock()
	}()

	select {
	case <-timer.C:
		return !c.stopped(ctx)
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Send writes a frame. It fails with ErrNotConnected unless the channel
// is open.
func (c *Channel) Send(ctx context.Context, frame SendFrame) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || conn == nil {
		return chaterrors.ErrNotConnected
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	return nil
}

// Close tears the channel down: the pending reconnect timer is stopped,
// the live connection is closed and Run returns. Safe to call more than
// once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	close(c.done)

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}

	return nil
}

func (c *Channel) setState(s ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// stopped reports whether the channel was torn down or its context ended.
func (c *Channel) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}

	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
