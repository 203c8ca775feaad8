package errors

import "errors"

// Conversation errors. The messages double as the user-facing status
// strings exposed by the engine.
var (
	ErrNotConnected         = errors.New("Not connected") //nolint:staticcheck // shown verbatim in the UI status line
	ErrConnection           = errors.New("Connection error")
	ErrNoConversation       = errors.New("no conversation open")
	ErrEmptyMessage         = errors.New("message content is empty")
	ErrConversationNotFound = errors.New("conversation participant not found")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
