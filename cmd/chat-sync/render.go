package main

import (
	"fmt"
	"io"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

// renderer prints timeline changes as they happen. The buffer only grows
// at the end or swaps a placeholder for its confirmed message in place,
// so comparing against the previous snapshot by index is enough.
type renderer struct {
	w      io.Writer
	userID string
	prev   []models.Message
	status chat.Status
}

func newRenderer(w io.Writer, userID string) *renderer {
	return &renderer{w: w, userID: userID}
}

// render writes whatever changed between the previous call and now.
func (r *renderer) render(msgs []models.Message, st chat.Status) {
	if st.RecipientID != r.status.RecipientID {
		r.prev = nil

		if st.RecipientID != "" {
			fmt.Fprintf(r.w, "--- conversation with %s ---\n", st.RecipientID)
		}
	}

	if st.Connected != r.status.Connected || st.Error != r.status.Error {
		switch {
		case st.Error != "":
			fmt.Fprintf(r.w, "[%s]\n", st.Error)
		case st.Connected:
			fmt.Fprintln(r.w, "[connected]")
		default:
			fmt.Fprintln(r.w, "[disconnected]")
		}
	}

	if len(msgs) < len(r.prev) {
		r.prev = nil
	}

	for i, m := range msgs {
		if i < len(r.prev) {
			if r.prev[i].IsPlaceholder() && !m.IsPlaceholder() {
				fmt.Fprintf(r.w, "  delivered: %s\n", m.Content)
			}

			continue
		}

		fmt.Fprintln(r.w, formatMessage(m, r.userID))
	}

	r.prev = msgs
	r.status = st
}

func formatMessage(m models.Message, userID string) string {
	who := m.SenderID
	if m.SenderID == userID {
		who = "me"
	}

	line := fmt.Sprintf("%s: %s", who, m.Content)
	if m.IsPlaceholder() {
		line += " (sending)"
	}

	return line
}
