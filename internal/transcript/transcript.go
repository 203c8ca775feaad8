// Package transcript writes a conversation timeline as YAML.
package transcript

import (
	"fmt"
	"io"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"gopkg.in/yaml.v3"
)

// Transcript is the exported form of one conversation.
type Transcript struct {
	UserID      string    `yaml:"user_id"`
	RecipientID string    `yaml:"recipient_id"`
	ExportedAt  time.Time `yaml:"exported_at"`
	Messages    []Entry   `yaml:"messages"`
}

// Entry is one message in a transcript. Pending marks an optimistic send
// the server has not confirmed yet.
type Entry struct {
	ID        string  `yaml:"id"`
	SenderID  string  `yaml:"sender_id"`
	Content   string  `yaml:"content"`
	CreatedAt string  `yaml:"created_at"`
	ReadAt    *string `yaml:"read_at,omitempty"`
	Pending   bool    `yaml:"pending,omitempty"`
}

// New builds a transcript of msgs in timeline order.
func New(conv models.Conversation, msgs []models.Message, exportedAt time.Time) Transcript {
	entries := make([]Entry, 0, len(msgs))

	for _, m := range msgs {
		entries = append(entries, Entry{
			ID:        m.ID,
			SenderID:  m.SenderID,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
			ReadAt:    m.ReadAt,
			Pending:   m.IsPlaceholder(),
		})
	}

	return Transcript{
		UserID:      conv.UserID,
		RecipientID: conv.RecipientID,
		ExportedAt:  exportedAt.UTC(),
		Messages:    entries,
	}
}

// Export writes the YAML transcript of msgs to w.
func Export(w io.Writer, conv models.Conversation, msgs []models.Message, exportedAt time.Time) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(New(conv, msgs, exportedAt)); err != nil {
		return fmt.Errorf("encoding transcript: %w", err)
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("flushing transcript: %w", err)
	}

	return nil
}

// Decode reads a transcript previously written by Export.
func Decode(r io.Reader) (*Transcript, error) {
	var t Transcript
	if err := yaml.NewDecoder(r).Decode(&t); err != nil {
		return nil, fmt.Errorf("decoding transcript: %w", err)
	}

	return &t, nil
}
