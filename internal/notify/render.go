package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Renderer turns queue entries into a markdown body and its HTML form.
type Renderer struct {
	markdown goldmark.Markdown
}

// NewRenderer constructs a renderer with GitHub-flavored markdown enabled.
func NewRenderer() *Renderer {
	return &Renderer{
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

// Render builds one payload for the entries of a single recipient. More than
// one entry renders as a digest.
func (r *Renderer) Render(userID string, entries []Entry) (Payload, error) {
	if len(entries) == 0 {
		return Payload{}, fmt.Errorf("render: no entries for user %s", userID)
	}
	payload := Payload{
		UserID:   userID,
		Type:     entries[0].Type,
		EntryIDs: make([]string, 0, len(entries)),
	}
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		payload.EntryIDs = append(payload.EntryIDs, entry.ID)
		subject, line := summarize(entry)
		if payload.Subject == "" {
			payload.Subject = subject
		}
		lines = append(lines, line)
	}

	var body strings.Builder
	if len(entries) == 1 {
		body.WriteString(lines[0])
		body.WriteString("\n")
	} else {
		payload.Subject = fmt.Sprintf("%s (%d updates)", payload.Subject, len(entries))
		fmt.Fprintf(&body, "**%d updates**\n\n", len(entries))
		for _, line := range lines {
			body.WriteString("- ")
			body.WriteString(line)
			body.WriteString("\n")
		}
	}
	payload.Markdown = body.String()

	var html bytes.Buffer
	if err := r.markdown.Convert([]byte(payload.Markdown), &html); err != nil {
		return Payload{}, fmt.Errorf("render markdown: %w", err)
	}
	payload.HTML = html.String()
	return payload, nil
}

func summarize(entry Entry) (string, string) {
	data := map[string]any{}
	if len(entry.Data) > 0 {
		_ = json.Unmarshal(entry.Data, &data)
	}
	value := func(key string) string {
		if raw, ok := data[key]; ok && raw != nil {
			return fmt.Sprint(raw)
		}
		return "unknown"
	}

	switch entry.Type {
	case TypeRequestThreshold:
		return "Note requested", fmt.Sprintf("Message `%s` reached **%s** note requests and is waiting for a community note.", value("message_id"), value("unique_requestors"))
	case TypeNotePublished:
		return "Note published", fmt.Sprintf("Note `%s` on message `%s` is now visible.", value("note_id"), value("message_id"))
	case TypeNoteRated:
		verdict := "not helpful"
		if helpful, ok := data["helpful"].(bool); ok && helpful {
			verdict = "helpful"
		}
		return "New rating", fmt.Sprintf("Note `%s` was rated %s.", value("note_id"), verdict)
	case TypeNoteStatusChanged:
		return "Note status changed", fmt.Sprintf("Note `%s` moved from %s to **%s**.", value("note_id"), value("from"), value("to"))
	case TypeNoteMilestone:
		return "Rating milestone", fmt.Sprintf("Note `%s` reached **%s** ratings.", value("note_id"), value("milestone"))
	case TypeModerationFlagged:
		return "Item flagged for review", fmt.Sprintf("A %s (`%s`) was flagged as %s.", value("item_type"), value("item_id"), value("flag_type"))
	case TypeModerationResolved:
		return "Flag resolved", fmt.Sprintf("Your flag on %s `%s` was %s.", value("item_type"), value("item_id"), value("outcome"))
	default:
		if message, ok := data["message"].(string); ok && message != "" {
			return "Notice", message
		}
		return "Notice", fmt.Sprintf("Notification `%s`.", entry.Type)
	}
}
