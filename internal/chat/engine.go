package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/text/unicode/norm"
)

// HistoryFetcher loads the persisted tail of a conversation. *Client
// satisfies this interface.
type HistoryFetcher interface {
	History(ctx context.Context, userID, recipientID string, limit int) ([]models.Message, error)
}

// EngineConfig holds the parameters for one local user's sync engine.
type EngineConfig struct {
	// BaseURL is the REST base URL; the live channel URL is derived
	// from it.
	BaseURL string
	// Token is sent as a Bearer credential on the live channel.
	Token          string
	UserID         string
	HistoryLimit   int
	ReconnectDelay time.Duration

	// Correlate attaches a client-generated ID to each send so an echo
	// that carries it back reconciles exactly. The content match still
	// applies when the echo has no ID.
	Correlate bool
}

// Status is the connection and load state exposed to the UI.
type Status struct {
	Connected   bool   `json:"connected"`
	Loading     bool   `json:"loading"`
	Error       string `json:"error,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
	Messages    int    `json:"messages"`
	Pending     int    `json:"pending"`
}

// Engine keeps the open conversation's timeline consistent across three
// inputs: the history load, live channel events and local optimistic
// sends.
//
// Every transition takes mu for its duration, which gives the same
// guarantee as sequential event dispatch. The open conversation lives in
// a reference cell (current) that handlers read when an event arrives,
// so the long-lived channel always filters against the latest pair.
type Engine struct {
	userID    string
	limit     int
	correlate bool
	history   HistoryFetcher
	channel   *Channel
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time

	current atomic.Pointer[models.Conversation]

	mu        sync.Mutex
	buffer    *Buffer
	epoch     uint64
	connected bool
	loading   bool
	errMsg    string
	lastTemp  int64

	subsMu sync.Mutex
	subs   map[chan struct{}]struct{}
}

// NewEngine creates an engine for cfg.UserID. Metrics are registered with
// reg when it is non-nil.
func NewEngine(cfg EngineConfig, history HistoryFetcher, logger *slog.Logger, reg prometheus.Registerer) (*Engine, error) {
	return newEngine(cfg, history, websocketDialer(cfg.Token), logger, reg)
}

func newEngine(cfg EngineConfig, history HistoryFetcher, dial dialFunc, logger *slog.Logger, reg prometheus.Registerer) (*Engine, error) {
	if cfg.UserID == "" {
		return nil, errors.New("user ID is required")
	}

	liveURL, err := LiveURL(cfg.BaseURL, cfg.UserID)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		userID:    cfg.UserID,
		limit:     ClampHistoryLimit(cfg.HistoryLimit),
		correlate: cfg.Correlate,
		history:   history,
		logger:    logger,
		metrics:   NewMetrics(reg),
		now:       time.Now,
		buffer:    NewBuffer(),
		subs:      make(map[chan struct{}]struct{}),
	}

	e.channel = newChannel(liveURL, dial, cfg.ReconnectDelay, logger, e.metrics, channelHooks{
		onOpen:    e.handleOpen,
		onClose:   e.handleClose,
		onError:   e.handleError,
		onMessage: e.handleMessage,
	})

	return e, nil
}

// UserID returns the local user this engine syncs for.
func (e *Engine) UserID() string {
	return e.userID
}

// Run keeps the live channel connected until ctx is cancelled or Close
// is called.
func (e *Engine) Run(ctx context.Context) error {
	return e.channel.Run(ctx)
}

// Close tears down the live channel and discards the open conversation.
// No reconnect is attempted afterwards.
func (e *Engine) Close() error {
	e.CloseConversation()
	return e.channel.Close()
}

// Conversation returns the open conversation, if any.
func (e *Engine) Conversation() (models.Conversation, bool) {
	conv := e.current.Load()
	if conv == nil {
		return models.Conversation{}, false
	}

	return *conv, true
}

// Open makes recipientID the open conversation and loads its history.
// The buffer is discarded immediately; the history page replaces it when
// the load completes, unless another Open or CloseConversation happened
// in the meantime, in which case the result is dropped. A failed load
// leaves the buffer empty and is returned after being logged.
func (e *Engine) Open(ctx context.Context, recipientID string) error {
	if recipientID == "" {
		return chaterrors.ErrNoConversation
	}

	conv := models.Conversation{UserID: e.userID, RecipientID: recipientID}

	e.mu.Lock()
	e.epoch++
	epoch := e.epoch
	e.current.Store(&conv)
	e.buffer.Reset()
	e.loading = true
	e.mu.Unlock()
	e.changed()

	e.logger.Debug("loading history",
		slog.String("recipient_id", recipientID),
		slog.Int("limit", e.limit),
	)

	msgs, err := e.history.History(ctx, e.userID, recipientID, e.limit)

	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		e.metrics.historyLoad("stale")
		e.logger.Debug("discarding stale history", slog.String("recipient_id", recipientID))

		return nil
	}

	e.loading = false

	if err != nil {
		e.mu.Unlock()
		e.changed()
		e.metrics.historyLoad("error")
		e.logger.Warn("failed to load message history",
			slog.String("recipient_id", recipientID),
			slog.Bool("transient", IsTransient(err)),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("loading history: %w", err)
	}

	e.buffer.Seed(msgs)
	n := e.buffer.Len()
	e.mu.Unlock()
	e.changed()
	e.metrics.historyLoad("ok")

	e.logger.Info("conversation opened",
		slog.String("recipient_id", recipientID),
		slog.Int("messages", n),
	)

	return nil
}

// CloseConversation discards the buffer and clears the open conversation.
// An in-flight history load for it is dropped when it completes.
func (e *Engine) CloseConversation() {
	e.mu.Lock()
	e.epoch++
	e.current.Store(nil)
	e.buffer.Reset()
	e.loading = false
	e.mu.Unlock()
	e.changed()
}

// Send appends an optimistic placeholder for content and transmits it on
// the live channel. When the channel is not open the send is rejected
// with ErrNotConnected before anything is appended.
func (e *Engine) Send(ctx context.Context, content string) error {
	content = norm.NFC.String(content)
	if strings.TrimSpace(content) == "" {
		return chaterrors.ErrEmptyMessage
	}

	conv := e.current.Load()
	if conv == nil {
		return chaterrors.ErrNoConversation
	}

	if e.channel.State() != StateOpen {
		e.setError(chaterrors.ErrNotConnected.Error())
		e.metrics.send("not_connected")

		return chaterrors.ErrNotConnected
	}

	e.mu.Lock()

	// Open or CloseConversation may have run since the check above; the
	// placeholder must be addressed to the conversation it lands in.
	conv = e.current.Load()
	if conv == nil {
		e.mu.Unlock()
		return chaterrors.ErrNoConversation
	}

	frame := SendFrame{
		Type:       FrameSend,
		ReceiverID: conv.RecipientID,
		Content:    content,
	}

	placeholder := models.NewPlaceholder(conv.UserID, conv.RecipientID, content, e.placeholderTime())
	if e.correlate {
		placeholder.ClientID = uuid.NewString()
		frame.ClientID = placeholder.ClientID
	}

	e.buffer.Append(placeholder)
	e.mu.Unlock()
	e.changed()

	if err := e.channel.Send(ctx, frame); err != nil {
		msg := chaterrors.ErrConnection.Error()
		if errors.Is(err, chaterrors.ErrNotConnected) {
			msg = chaterrors.ErrNotConnected.Error()
		}

		e.setError(msg)
		e.metrics.send("failed")
		e.logger.Warn("send failed",
			slog.String("placeholder_id", placeholder.ID),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("sending message: %w", err)
	}

	e.metrics.send("ok")
	e.logger.Debug("message sent", slog.String("placeholder_id", placeholder.ID))

	return nil
}

// placeholderTime returns the local send time, nudged forward by a
// millisecond when needed so placeholder IDs stay unique. Caller holds mu.
func (e *Engine) placeholderTime() time.Time {
	now := e.now()

	ms := now.UnixMilli()
	if ms <= e.lastTemp {
		ms = e.lastTemp + 1
		now = time.UnixMilli(ms)
	}

	e.lastTemp = ms

	return now
}

// Messages returns a copy of the open conversation's timeline.
func (e *Engine) Messages() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.buffer.Snapshot()
}

// Status returns the current connection and load state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		Connected: e.connected,
		Loading:   e.loading,
		Error:     e.errMsg,
		Messages:  e.buffer.Len(),
		Pending:   e.buffer.Pending(),
	}

	if conv := e.current.Load(); conv != nil {
		st.RecipientID = conv.RecipientID
	}

	return st
}

// Subscribe returns a channel that receives a value after every state
// change. Notifications coalesce: a slow reader sees at least one value
// after the latest change. Call the returned func to unsubscribe.
func (e *Engine) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	e.subsMu.Lock()
	e.subs[ch] = struct{}{}
	e.subsMu.Unlock()

	return ch, func() {
		e.subsMu.Lock()
		delete(e.subs, ch)
		e.subsMu.Unlock()
	}
}

func (e *Engine) changed() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	for ch := range e.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) setError(msg string) {
	e.mu.Lock()
	e.errMsg = msg
	e.mu.Unlock()
	e.changed()
}

func (e *Engine) handleOpen() {
	e.mu.Lock()
	e.connected = true
	e.errMsg = ""
	e.mu.Unlock()
	e.changed()
}

func (e *Engine) handleClose() {
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
	e.changed()
}

func (e *Engine) handleError(err error) {
	e.logger.Warn("live channel error", slog.String("error", err.Error()))
	e.setError(chaterrors.ErrConnection.Error())
}

// handleMessage merges a live message if it belongs to the conversation
// open right now. The reference cell is read here, at delivery time, not
// when the channel was established.
func (e *Engine) handleMessage(m models.Message) {
	e.mu.Lock()

	conv := e.current.Load()
	if conv == nil || !conv.Includes(m) {
		e.mu.Unlock()
		e.metrics.merge("filtered")
		e.logger.Debug("message outside open conversation",
			slog.String("id", m.ID),
			slog.String("sender_id", m.SenderID),
			slog.String("receiver_id", m.ReceiverID),
		)

		return
	}

	result := e.buffer.Merge(m, conv.UserID)
	e.mu.Unlock()

	e.metrics.merge(result.String())
	e.logger.Debug("live message merged",
		slog.String("id", m.ID),
		slog.String("result", result.String()),
	)

	if result != MergeDuplicate {
		e.changed()
	}
}
