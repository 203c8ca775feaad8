package chat

import "github.com/alexjbarnes/chat-sync/internal/models"

// MergeResult describes what Merge did with an inbound message.
type MergeResult int

const (
	// MergeAppended means the message was added to the end of the buffer.
	MergeAppended MergeResult = iota
	// MergeReconciled means the message replaced a pending placeholder.
	MergeReconciled
	// MergeDuplicate means a message with the same ID was already present.
	MergeDuplicate
)

func (r MergeResult) String() string {
	switch r {
	case MergeAppended:
		return "appended"
	case MergeReconciled:
		return "reconciled"
	case MergeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Buffer is the ordered message timeline of the open conversation.
// Order is insertion order, not created_at order. Buffer is not safe for
// concurrent use; the engine serialises access.
type Buffer struct {
	msgs []models.Message
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Seed replaces the buffer contents with a history page, keeping its
// order. Repeated IDs within the page keep their first occurrence.
func (b *Buffer) Seed(history []models.Message) {
	seen := make(map[string]struct{}, len(history))
	msgs := make([]models.Message, 0, len(history))

	for _, m := range history {
		if _, dup := seen[m.ID]; dup {
			continue
		}

		seen[m.ID] = struct{}{}
		msgs = append(msgs, m)
	}

	b.msgs = msgs
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.msgs = nil
}

// Append adds m at the end without any reconciliation. Used for local
// placeholders.
func (b *Buffer) Append(m models.Message) {
	b.msgs = append(b.msgs, m)
}

// Merge folds a live message into the buffer:
//
//  1. a message whose ID is already present is dropped;
//  2. a message from localUserID replaces the first placeholder with the
//     same content, keeping that placeholder's position;
//  3. anything else is appended.
//
// When m carries a ClientID, a placeholder with the same ClientID is
// preferred over the content match in step 2.
func (b *Buffer) Merge(m models.Message, localUserID string) MergeResult {
	if b.indexOf(m.ID) >= 0 {
		return MergeDuplicate
	}

	if m.SenderID == localUserID {
		if idx := b.placeholderFor(m); idx >= 0 {
			b.msgs[idx] = m
			return MergeReconciled
		}
	}

	b.msgs = append(b.msgs, m)

	return MergeAppended
}

func (b *Buffer) indexOf(id string) int {
	for i := range b.msgs {
		if b.msgs[i].ID == id {
			return i
		}
	}

	return -1
}

// placeholderFor finds the pending placeholder that m acknowledges.
// Content equality is the only correlation the backend supports, so two
// pending sends with identical content are matched in send order.
func (b *Buffer) placeholderFor(m models.Message) int {
	if m.ClientID != "" {
		for i := range b.msgs {
			if b.msgs[i].IsPlaceholder() && b.msgs[i].ClientID == m.ClientID {
				return i
			}
		}
	}

	for i := range b.msgs {
		if b.msgs[i].IsPlaceholder() && b.msgs[i].Content == m.Content {
			return i
		}
	}

	return -1
}

// Snapshot returns a copy of the buffer contents.
func (b *Buffer) Snapshot() []models.Message {
	out := make([]models.Message, len(b.msgs))
	copy(out, b.msgs)

	return out
}

// Len returns the number of messages in the buffer.
func (b *Buffer) Len() int {
	return len(b.msgs)
}

// Pending returns the number of unacknowledged placeholders.
func (b *Buffer) Pending() int {
	n := 0

	for i := range b.msgs {
		if b.msgs[i].IsPlaceholder() {
			n++
		}
	}

	return n
}
