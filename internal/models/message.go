// Package models defines types shared across internal packages.
package models

import (
	"strconv"
	"strings"
	"time"
)

// PlaceholderPrefix marks message IDs generated locally for optimistic
// sends. The server never assigns IDs with this prefix.
const PlaceholderPrefix = "temp-"

// Message is a single chat message as stored by the backend and carried
// over the live channel.
type Message struct {
	ID         string  `json:"id"`
	SenderID   string  `json:"sender_id"`
	ReceiverID string  `json:"receiver_id"`
	Content    string  `json:"content"`
	CreatedAt  string  `json:"created_at"`
	ReadAt     *string `json:"read_at,omitempty"`

	// ClientID is an optional correlation token. Only set when the
	// client opted into correlation and only useful when the backend
	// echoes it back.
	ClientID string `json:"client_id,omitempty"`
}

// IsPlaceholder reports whether m is an unacknowledged optimistic message.
func (m Message) IsPlaceholder() bool {
	return strings.HasPrefix(m.ID, PlaceholderPrefix)
}

// NewPlaceholder builds the optimistic echo for a local send. The ID is
// temp-<unix millis> and CreatedAt is the local send time in RFC 3339.
func NewPlaceholder(senderID, receiverID, content string, now time.Time) Message {
	return Message{
		ID:         PlaceholderPrefix + strconv.FormatInt(now.UnixMilli(), 10),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  now.UTC().Format(time.RFC3339Nano),
	}
}

// Conversation identifies the pair of participants a message buffer is
// scoped to. The pair is unordered for matching purposes.
type Conversation struct {
	UserID      string `json:"user_id"`
	RecipientID string `json:"recipient_id"`
}

// Valid reports whether both participants are set.
func (c Conversation) Valid() bool {
	return c.UserID != "" && c.RecipientID != ""
}

// Includes reports whether m was exchanged between the two participants,
// in either direction.
func (c Conversation) Includes(m Message) bool {
	if !c.Valid() {
		return false
	}

	return (m.SenderID == c.UserID && m.ReceiverID == c.RecipientID) ||
		(m.SenderID == c.RecipientID && m.ReceiverID == c.UserID)
}
