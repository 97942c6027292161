package model

import "time"

// DefaultMaxContentLength is the content limit in runes when config does not set one.
const DefaultMaxContentLength = 4000

// FrameSizeFor is the smallest inbound frame limit that fits content of maxRunes
// characters: escaped JSON takes up to 12 bytes per rune (\uXXXX\uXXXX), plus 1 KiB
// for the other fields.
func FrameSizeFor(maxRunes int) int64 {
	return int64(maxRunes)*12 + 1024
}

// Message is one entry of the append-only log. Only IsRead ever changes after insert,
// and only from false to true.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsRead     bool      `json:"is_read"`
}

// Peer returns the other participant from viewer's point of view.
func (m *Message) Peer(viewerID int64) int64 {
	if m.SenderID == viewerID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Before reports whether m precedes o in conversation order: timestamp, then id.
func (m *Message) Before(o *Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	return m.ID < o.ID
}

// ConversationKey identifies the unordered pair of participants.
type ConversationKey struct {
	Low  int64
	High int64
}

func KeyOf(a, b int64) ConversationKey {
	if a > b {
		a, b = b, a
	}
	return ConversationKey{Low: a, High: b}
}

// TimestampPrecision matches PostgreSQL timestamptz so in-memory and stored values agree.
const TimestampPrecision = time.Microsecond

// NextTimestamp returns the server timestamp for a new message given the last one in the
// conversation. On clock skew the value is clamped to last+precision, so timestamps never
// go backwards inside a conversation.
func NextTimestamp(now, last time.Time) time.Time {
	ts := now.UTC().Truncate(TimestampPrecision)
	if !last.IsZero() && !ts.After(last) {
		ts = last.UTC().Add(TimestampPrecision)
	}
	return ts
}

// SameAs compares all fields, timestamps by instant.
func (m *Message) SameAs(o *Message) bool {
	return m.ID == o.ID && m.SenderID == o.SenderID && m.ReceiverID == o.ReceiverID &&
		m.Content == o.Content && m.Timestamp.Equal(o.Timestamp) && m.IsRead == o.IsRead
}
