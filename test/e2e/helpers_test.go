package e2e_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// testReconnectDelay keeps reconnect tests fast against a real socket.
const testReconnectDelay = 50 * time.Millisecond

// backend is an in-memory messaging server with the same REST and live
// channel surface as the production API: history, REST send and a
// per-user websocket that persists "send" frames, pushes new_message to
// the receiver and echoes it to the sender.
type backend struct {
	URL string

	mu    sync.Mutex
	msgs  []models.Message
	conns map[string]*websocket.Conn
	seq   int
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	b := &backend{conns: make(map[string]*websocket.Conn)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /messages/history/{other}", b.handleHistory)
	mux.HandleFunc("POST /messages/send", b.handleSend)
	mux.HandleFunc("GET /messages/ws/{user}", b.handleWS)

	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		b.dropAll()
		ts.Close()
	})

	b.URL = ts.URL

	return b
}

// seed stores a message as if it had been sent earlier.
func (b *backend) seed(from, to, content string) models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.insertLocked(from, to, content)
}

func (b *backend) insertLocked(from, to, content string) models.Message {
	b.seq++
	m := models.Message{
		ID:         "srv-" + strconv.Itoa(b.seq),
		SenderID:   from,
		ReceiverID: to,
		Content:    content,
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, b.seq, 0, time.UTC).Format(time.RFC3339),
	}
	b.msgs = append(b.msgs, m)

	return m
}

// publish pushes m to userID's live connection, if any.
func (b *backend) publish(ctx context.Context, userID string, m models.Message) {
	b.mu.Lock()
	conn := b.conns[userID]
	b.mu.Unlock()

	if conn == nil {
		return
	}

	_ = wsjson.Write(ctx, conn, chat.InboundFrame{Type: chat.FrameNewMessage, Message: &m})
}

// dropAll closes every live connection as a server restart would.
func (b *backend) dropAll() {
	b.mu.Lock()
	conns := b.conns
	b.conns = make(map[string]*websocket.Conn)
	b.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "restart")
	}
}

func (b *backend) connected(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.conns[userID]

	return ok
}

func (b *backend) handleHistory(w http.ResponseWriter, r *http.Request) {
	other := r.PathValue("other")
	user := r.URL.Query().Get("user_id")

	if user == "" {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"user_id is required"}`))

		return
	}

	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 1 || limit > 100 {
		limit = 50
	}

	conv := models.Conversation{UserID: user, RecipientID: other}

	b.mu.Lock()
	out := []models.Message{}
	for _, m := range b.msgs {
		if conv.Includes(m) {
			out = append(out, m)
		}
	}
	b.mu.Unlock()

	if len(out) > limit {
		out = out[len(out)-limit:]
	}

	_ = json.NewEncoder(w).Encode(out)
}

func (b *backend) handleSend(w http.ResponseWriter, r *http.Request) {
	var req chat.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	b.mu.Lock()
	m := b.insertLocked(req.SenderID, req.ReceiverID, req.Content)
	b.mu.Unlock()

	b.publish(r.Context(), req.ReceiverID, m)

	_ = json.NewEncoder(w).Encode(m)
}

func (b *backend) handleWS(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	b.conns[user] = conn
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.conns[user] == conn {
			delete(b.conns, user)
		}
		b.mu.Unlock()
	}()

	ctx := r.Context()

	for {
		var frame chat.SendFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}

		if frame.Type != chat.FrameSend || frame.ReceiverID == "" || frame.Content == "" {
			_ = wsjson.Write(ctx, conn, chat.ErrorFrame{Type: chat.FrameError, Message: "invalid frame"})
			continue
		}

		b.mu.Lock()
		m := b.insertLocked(user, frame.ReceiverID, frame.Content)
		b.mu.Unlock()

		m.ClientID = frame.ClientID

		b.publish(ctx, frame.ReceiverID, m)
		_ = wsjson.Write(ctx, conn, chat.InboundFrame{Type: chat.FrameNewMessage, Message: &m})
	}
}

// startEngine creates and runs an engine for userID against b.
func startEngine(t *testing.T, b *backend, userID string) *chat.Engine {
	t.Helper()

	e, err := chat.NewEngine(chat.EngineConfig{
		BaseURL:        b.URL,
		UserID:         userID,
		ReconnectDelay: testReconnectDelay,
	}, chat.NewClient(b.URL, "", nil), slog.New(slog.DiscardHandler), nil)
	require.NoError(t, err)

	runEngine(t, e)

	return e
}

// runEngine runs e until the test ends and waits for the live channel.
func runEngine(t *testing.T, e *chat.Engine) {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	t.Cleanup(func() {
		require.NoError(t, e.Close())
		require.NoError(t, <-done)
	})

	require.Eventually(t, func() bool { return e.Status().Connected }, 5*time.Second, 10*time.Millisecond)
}

// harness is the full MCP stack: a real HTTP server with the API key
// middleware and chat tools bound to a live engine.
type harness struct {
	URL    string
	Key    string
	Engine *chat.Engine
	Client *http.Client
}

func newHarness(t *testing.T, b *backend, userID string) *harness {
	t.Helper()

	e := startEngine(t, b, userID)
	logger := slog.New(slog.DiscardHandler)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, e, logger)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	key, err := auth.GenerateAPIKey()
	require.NoError(t, err)

	store := auth.NewStore(logger)
	store.RegisterAPIKey("operator", key)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Store:      store,
		MCPHandler: mcpHandler,
		Gatherer:   prometheus.NewRegistry(),
		Logger:     logger,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		URL:    ts.URL,
		Key:    key,
		Engine: e,
		Client: ts.Client(),
	}
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callTool calls a tool and fails the test on protocol errors.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)

	return result
}

// extractTextContent returns the text of the first content item.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])

	return tc.Text
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}

	return out
}
