package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

// inboundFrame is one scripted result for fakeConn.Read.
type inboundFrame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// fakeConn is a channel-driven wsConn. Tests feed frames with push and
// drop the connection with fail; Read blocks until one of those happens
// or the connection is closed.
type fakeConn struct {
	inbound chan inboundFrame
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	closes   []websocket.StatusCode
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan inboundFrame, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case fr := <-f.inbound:
		return fr.typ, fr.data, fr.err
	case <-f.closed:
		return 0, nil, errors.New("use of closed network connection")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return f.writeErr
	}

	f.written = append(f.written, append([]byte(nil), p...))

	return nil
}

func (f *fakeConn) Close(code websocket.StatusCode, _ string) error {
	f.mu.Lock()
	f.closes = append(f.closes, code)
	f.mu.Unlock()

	f.once.Do(func() { close(f.closed) })

	return nil
}

func (f *fakeConn) SetReadLimit(int64) {}

// push queues a text frame.
func (f *fakeConn) push(data string) {
	f.inbound <- inboundFrame{typ: websocket.MessageText, data: []byte(data)}
}

// pushMessage queues a new_message frame carrying m.
func (f *fakeConn) pushMessage(t *testing.T, m models.Message) {
	t.Helper()

	data, err := json.Marshal(InboundFrame{Type: FrameNewMessage, Message: &m})
	require.NoError(t, err)

	f.inbound <- inboundFrame{typ: websocket.MessageText, data: data}
}

// fail makes the pending Read return err.
func (f *fakeConn) fail(err error) {
	f.inbound <- inboundFrame{err: err}
}

// sent decodes every frame written so far.
func (f *fakeConn) sent(t *testing.T) []SendFrame {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	frames := make([]SendFrame, 0, len(f.written))

	for _, raw := range f.written {
		var fr SendFrame
		require.NoError(t, json.Unmarshal(raw, &fr))
		frames = append(frames, fr)
	}

	return frames
}

func (f *fakeConn) closeCodes() []websocket.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]websocket.StatusCode(nil), f.closes...)
}

func (f *fakeConn) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

// fakeDialer hands out queued connections in order and fails once the
// queue is empty. Every attempt is timestamped.
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	attempts []time.Time
	urls     []string
}

func newFakeDialer(conns ...*fakeConn) *fakeDialer {
	return &fakeDialer{conns: conns}
}

func (d *fakeDialer) dial(_ context.Context, u string) (wsConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.attempts = append(d.attempts, time.Now())
	d.urls = append(d.urls, u)

	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}

	c := d.conns[0]
	d.conns = d.conns[1:]

	return c, nil
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.attempts)
}

func (d *fakeDialer) urlList() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.urls...)
}

func (d *fakeDialer) attemptTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]time.Time(nil), d.attempts...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// newTestEngine builds an engine for local user u1 with the given history
// source and dialer.
func newTestEngine(t *testing.T, history HistoryFetcher, d *fakeDialer) *Engine {
	t.Helper()

	e, err := newEngine(EngineConfig{
		BaseURL:        "http://backend.test",
		UserID:         "u1",
		ReconnectDelay: DefaultReconnectDelay,
	}, history, d.dial, discardLogger(), nil)
	require.NoError(t, err)

	return e
}

// runEngine starts e.Run in the background and registers teardown. The
// returned func closes the engine and waits for Run to return.
func runEngine(t *testing.T, e *Engine) func() {
	t.Helper()

	done := make(chan error, 1)

	go func() {
		done <- e.Run(context.Background())
	}()

	var once sync.Once

	stop := func() {
		once.Do(func() {
			require.NoError(t, e.Close())
			require.NoError(t, <-done)
		})
	}

	t.Cleanup(stop)

	return stop
}

// staticHistory is a HistoryFetcher returning fixed results.
type staticHistory struct {
	msgs []models.Message
	err  error
}

func (h staticHistory) History(context.Context, string, string, int) ([]models.Message, error) {
	return h.msgs, h.err
}

func msg(id, from, to, content string) models.Message {
	return models.Message{
		ID:         id,
		SenderID:   from,
		ReceiverID: to,
		Content:    content,
		CreatedAt:  "2026-01-01T00:00:00Z",
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}

	return out
}
