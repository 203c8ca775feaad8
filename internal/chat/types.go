package chat

import "github.com/alexjbarnes/chat-sync/internal/models"

// Live channel frame types.
const (
	FrameSend       = "send"
	FrameNewMessage = "new_message"
	FrameError      = "error"
)

// SendFrame is written to the live channel to send a message. The
// server fills in the sender from the connection's user.
type SendFrame struct {
	Type       string `json:"type"`
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
	ClientID   string `json:"client_id,omitempty"`
}

// InboundFrame is a server event. Only new_message frames carry a Message.
type InboundFrame struct {
	Type    string          `json:"type"`
	Message *models.Message `json:"message,omitempty"`
}

// ErrorFrame is sent by the server when it fails to process a client
// frame. The connection stays open.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SendRequest is the payload for POST /messages/send.
type SendRequest struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
}

// APIError is the error body returned by the backend on non-2xx
// responses.
type APIError struct {
	Detail string `json:"detail"`
}
