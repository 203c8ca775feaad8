package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/alexjbarnes/chat-sync/internal/transcript"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var Version = "dev"

const usage = `usage: chat-sync [command]

commands:
  (none)                    interactive session
  history <recipient>       print recent history
  send <recipient> <text>   send a message over REST
  export <recipient>        write history as YAML
  gen-api-key               print a new MCP API key
`

func main() {
	args := os.Args[1:]

	// Handle gen-api-key before config loading.
	if len(args) > 0 && args[0] == "gen-api-key" {
		key, err := auth.GenerateAPIKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(key)

		return
	}

	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help" || args[0] == "help") {
		fmt.Print(usage)
		return
	}

	if err := run(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	token := resolveToken(cfg, appState, logger)
	client := chat.NewClient(cfg.APIURL, token, nil)

	if len(args) == 0 {
		return runSession(ctx, cfg, client, token, appState, logger)
	}

	switch args[0] {
	case "history":
		if len(args) != 2 {
			return errors.New("usage: chat-sync history <recipient>")
		}

		return printHistory(ctx, os.Stdout, client, cfg, args[1])

	case "send":
		if len(args) < 3 {
			return errors.New("usage: chat-sync send <recipient> <text>")
		}

		return sendOnce(ctx, os.Stdout, client, cfg.UserID, args[1], strings.Join(args[2:], " "))

	case "export":
		if len(args) != 2 {
			return errors.New("usage: chat-sync export <recipient>")
		}

		return exportHistory(ctx, os.Stdout, client, cfg, args[1])

	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

// resolveToken prefers the configured token and caches it; otherwise the
// cached token from a previous run is used.
func resolveToken(cfg *config.Config, appState *state.State, logger *slog.Logger) string {
	if cfg.APIToken != "" {
		if cfg.APIToken != appState.Token() {
			if err := appState.SetToken(cfg.APIToken); err != nil {
				logger.Warn("failed to cache API token", slog.String("error", err.Error()))
			}
		}

		return cfg.APIToken
	}

	if cached := appState.Token(); cached != "" {
		logger.Debug("using cached API token")
		return cached
	}

	return ""
}

func printHistory(ctx context.Context, w io.Writer, client *chat.Client, cfg *config.Config, recipientID string) error {
	msgs, err := client.History(ctx, cfg.UserID, recipientID, cfg.HistoryLimit)
	if err != nil {
		return err
	}

	for _, m := range msgs {
		fmt.Fprintf(w, "%s  %s\n", m.CreatedAt, formatMessage(m, cfg.UserID))
	}

	return nil
}

func sendOnce(ctx context.Context, w io.Writer, client *chat.Client, userID, recipientID, content string) error {
	m, err := client.Send(ctx, chat.SendRequest{
		SenderID:   userID,
		ReceiverID: recipientID,
		Content:    content,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "sent %s\n", m.ID)

	return nil
}

func exportHistory(ctx context.Context, w io.Writer, client *chat.Client, cfg *config.Config, recipientID string) error {
	msgs, err := client.History(ctx, cfg.UserID, recipientID, cfg.HistoryLimit)
	if err != nil {
		return err
	}

	conv := models.Conversation{UserID: cfg.UserID, RecipientID: recipientID}

	return transcript.Export(w, conv, msgs, time.Now())
}

// runSession runs the interactive client: the sync engine, the optional
// MCP server and the terminal loop, until interrupted or /quit.
func runSession(ctx context.Context, cfg *config.Config, client *chat.Client, token string, appState *state.State, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := chat.NewEngine(chat.EngineConfig{
		BaseURL:        cfg.APIURL,
		Token:          token,
		UserID:         cfg.UserID,
		HistoryLimit:   cfg.HistoryLimit,
		ReconnectDelay: cfg.ReconnectDelay,
		Correlate:      cfg.CorrelationIDs,
	}, client, logger.With(slog.String("component", "engine")), reg)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	defer engine.Close()

	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("user_id", cfg.UserID),
		slog.String("api_url", cfg.APIURL),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gctx)
	})

	g.Go(func() error {
		return watchEngine(gctx, engine, appState, os.Stdout, logger)
	})

	g.Go(func() error {
		return terminalLoop(gctx, cancel, engine, os.Stdin, logger)
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, engine, reg, logger)
		})
	}

	if recipientID := initialRecipient(cfg, appState, logger); recipientID != "" {
		g.Go(func() error {
			if err := engine.Open(gctx, recipientID); err != nil {
				fmt.Fprintf(os.Stderr, "failed to load history: %v\n", err)
			}

			return nil
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("chat-sync stopped")

	return nil
}

func initialRecipient(cfg *config.Config, appState *state.State, logger *slog.Logger) string {
	if cfg.RecipientID != "" {
		return cfg.RecipientID
	}

	lc, err := appState.LastConversation(cfg.UserID)
	if err != nil {
		logger.Warn("failed to read last conversation", slog.String("error", err.Error()))
		return ""
	}

	if lc == nil {
		return ""
	}

	logger.Debug("reopening last conversation",
		slog.String("recipient_id", lc.RecipientID),
		slog.Time("opened_at", lc.OpenedAt),
	)

	return lc.RecipientID
}

// watchEngine renders engine changes and records the open conversation
// so the next session can reopen it.
func watchEngine(ctx context.Context, engine *chat.Engine, appState *state.State, w io.Writer, logger *slog.Logger) error {
	updates, unsubscribe := engine.Subscribe()
	defer unsubscribe()

	r := newRenderer(w, engine.UserID())
	last := ""

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-updates:
		}

		st := engine.Status()
		r.render(engine.Messages(), st)

		if st.RecipientID != "" && st.RecipientID != last {
			last = st.RecipientID

			if err := appState.SetLastConversation(engine.UserID(), st.RecipientID, time.Now()); err != nil {
				logger.Warn("failed to record conversation", slog.String("error", err.Error()))
			}
		}
	}
}

// terminalLoop turns input lines into sends and commands.
func terminalLoop(ctx context.Context, quit context.CancelFunc, engine *chat.Engine, in io.Reader, logger *slog.Logger) error {
	lines := make(chan string)

	// The scanner goroutine outlives ctx when stdin stays open; it exits
	// with the process.
	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string

		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				quit()
				return nil
			}

			line = strings.TrimSpace(l)
		}

		switch {
		case line == "":
		case line == "/quit":
			quit()
			return nil
		case strings.HasPrefix(line, "/open "):
			recipientID := strings.TrimSpace(strings.TrimPrefix(line, "/open "))
			if err := engine.Open(ctx, recipientID); err != nil {
				fmt.Fprintf(os.Stderr, "open failed: %v\n", err)
			}
		case line == "/close":
			engine.CloseConversation()
		default:
			if err := engine.Send(ctx, line); err != nil {
				logger.Debug("send failed", slog.String("error", err.Error()))
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
	}
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, engine *chat.Engine, reg *prometheus.Registry, logger *slog.Logger) error {
	keys, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	mcpLogger := logger.With(slog.String("component", "mcp"))

	store := auth.NewStore(mcpLogger)
	for _, k := range keys {
		store.RegisterAPIKey(k.UserID, k.Key)
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, engine, mcpLogger)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr: cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Store:      store,
			MCPHandler: mcpHandler,
			Gatherer:   reg,
			Logger:     mcpLogger,
			RateLimit:  rate.Limit(cfg.MCPRateLimit),
			RateBurst:  cfg.MCPRateBurst,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("api_keys", store.Len()),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
