// Package mcpserver registers MCP tools that expose the open conversation.
// It adapts the chat engine to the MCP SDK's tool handler interface.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/transcript"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultMessagesLimit is how many of the most recent messages
// chat_messages returns when no limit is given.
const defaultMessagesLimit = 50

// Session is the conversation surface the tools drive. *chat.Engine
// satisfies this interface.
type Session interface {
	Open(ctx context.Context, recipientID string) error
	Send(ctx context.Context, content string) error
	Messages() []models.Message
	Status() chat.Status
	Conversation() (models.Conversation, bool)
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, s Session, logger *slog.Logger) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_open",
		Description: "Open the conversation with another user and load its recent history. Replaces whatever conversation was open.",
	}, openHandler(s, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_messages",
		Description: "Return the most recent messages of the open conversation, oldest first. Messages with pending=true are local sends the server has not confirmed yet.",
	}, messagesHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Send a message in the open conversation. Fails with 'Not connected' while the live channel is down.",
	}, sendHandler(s, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_status",
		Description: "Report live channel connection state, history loading state, the last error and buffer counts.",
	}, statusHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_export",
		Description: "Export the open conversation as a YAML transcript.",
	}, exportHandler(s))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// OpenInput holds parameters for chat_open.
type OpenInput struct {
	RecipientID string `json:"recipient_id" jsonschema:"required,user ID of the other participant"`
}

// MessagesInput holds parameters for chat_messages.
type MessagesInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"number of most recent messages to return, defaults to 50"`
}

// SendInput holds parameters for chat_send.
type SendInput struct {
	Content string `json:"content" jsonschema:"required,message text"`
}

// EmptyInput has no parameters.
type EmptyInput struct{}

// --- Result types ---

// OpenResult is returned by chat_open.
type OpenResult struct {
	RecipientID string `json:"recipient_id"`
	Messages    int    `json:"messages"`
}

// MessageView is one message as shown to MCP clients.
type MessageView struct {
	models.Message
	Pending bool `json:"pending,omitempty"`
}

// MessagesResult is returned by chat_messages.
type MessagesResult struct {
	RecipientID string        `json:"recipient_id"`
	Total       int           `json:"total"`
	Messages    []MessageView `json:"messages"`
}

// SendResult is returned by chat_send.
type SendResult struct {
	Sent    bool `json:"sent"`
	Pending int  `json:"pending"`
}

// ExportResult is returned by chat_export.
type ExportResult struct {
	Transcript string `json:"transcript"`
}

// --- Handlers ---

func openHandler(s Session, logger *slog.Logger) mcp.ToolHandlerFor[OpenInput, *OpenResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input OpenInput) (*mcp.CallToolResult, *OpenResult, error) {
		logger.Info("mcp: opening conversation",
			slog.String("recipient_id", input.RecipientID),
			slog.String("caller", auth.RequestUserID(ctx)),
		)

		if err := s.Open(ctx, input.RecipientID); err != nil {
			return nil, nil, err
		}

		result := &OpenResult{RecipientID: input.RecipientID, Messages: len(s.Messages())}

		return textResult(result), result, nil
	}
}

func messagesHandler(s Session) mcp.ToolHandlerFor[MessagesInput, *MessagesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input MessagesInput) (*mcp.CallToolResult, *MessagesResult, error) {
		conv, ok := s.Conversation()
		if !ok {
			return nil, nil, chaterrors.ErrNoConversation
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultMessagesLimit
		}

		msgs := s.Messages()
		total := len(msgs)

		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}

		views := make([]MessageView, 0, len(msgs))
		for _, m := range msgs {
			views = append(views, MessageView{Message: m, Pending: m.IsPlaceholder()})
		}

		result := &MessagesResult{RecipientID: conv.RecipientID, Total: total, Messages: views}

		return textResult(result), result, nil
	}
}

func sendHandler(s Session, logger *slog.Logger) mcp.ToolHandlerFor[SendInput, *SendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *SendResult, error) {
		if err := s.Send(ctx, input.Content); err != nil {
			logger.Debug("mcp: send rejected", slog.String("error", err.Error()))
			return nil, nil, err
		}

		result := &SendResult{Sent: true, Pending: s.Status().Pending}

		return textResult(result), result, nil
	}
}

func statusHandler(s Session) mcp.ToolHandlerFor[EmptyInput, *chat.Status] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *chat.Status, error) {
		st := s.Status()
		return textResult(st), &st, nil
	}
}

func exportHandler(s Session) mcp.ToolHandlerFor[EmptyInput, *ExportResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *ExportResult, error) {
		conv, ok := s.Conversation()
		if !ok {
			return nil, nil, chaterrors.ErrNoConversation
		}

		var buf bytes.Buffer
		if err := transcript.Export(&buf, conv, s.Messages(), time.Now()); err != nil {
			return nil, nil, err
		}

		result := &ExportResult{Transcript: buf.String()}

		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: result.Transcript}},
		}, result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
