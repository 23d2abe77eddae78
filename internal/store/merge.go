package store

import (
	"slices"

	"github.com/matheus3301/wutzup/internal/status"
)

// Merge folds another observation of the same message into m. Status only
// moves forward and receipt sets only grow, so merges commute and repeating
// one is harmless. Observations of a different message are ignored.
func (m *Message) Merge(o Message) {
	if m.ID != o.ID {
		return
	}
	if m.ConversationID == "" {
		m.ConversationID = o.ConversationID
	}
	if m.SenderID == "" {
		m.SenderID = o.SenderID
	}
	if m.Body == "" {
		m.Body = o.Body
	}
	if m.Media == nil && o.Media != nil {
		media := *o.Media
		m.Media = &media
	}
	if m.Timestamp == 0 || (o.Timestamp != 0 && o.Timestamp < m.Timestamp) {
		m.Timestamp = o.Timestamp
	}
	m.Status = status.Merge(m.Status, o.Status)
	m.DeliveredTo = Union(m.DeliveredTo, o.DeliveredTo)
	m.ReadBy = Union(m.ReadBy, o.ReadBy)

	// A reader has necessarily received the message.
	var readers []string
	for _, id := range m.ReadBy {
		if id != m.SenderID {
			readers = append(readers, id)
		}
	}
	m.DeliveredTo = Union(m.DeliveredTo, readers)
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	c := m
	c.DeliveredTo = slices.Clone(m.DeliveredTo)
	c.ReadBy = slices.Clone(m.ReadBy)
	if m.Media != nil {
		media := *m.Media
		c.Media = &media
	}
	return c
}

// DeliveredToUser reports whether userID acknowledged delivery.
func (m Message) DeliveredToUser(userID string) bool {
	return slices.Contains(m.DeliveredTo, userID)
}

// ReadByUser reports whether userID acknowledged reading.
func (m Message) ReadByUser(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// Union returns the sorted, de-duplicated union of a and b. Empty ids are dropped.
func Union(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if s != "" {
			out = append(out, s)
		}
	}
	for _, s := range b {
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Preview truncates a message body for conversation lists.
func Preview(body string, media *MediaRef) string {
	if body == "" && media != nil {
		return "[media]"
	}
	r := []rune(body)
	if len(r) <= previewLen {
		return body
	}
	return string(r[:previewLen]) + "..."
}

const previewLen = 100
