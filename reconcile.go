package chatsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Reconcile
// ============================================================================

type wireMessage struct {
	SenderID       string          `json:"senderId"`
	SenderName     string          `json:"senderName"`
	SenderPhotoURL *string         `json:"senderPhotoURL"`
	ReceiverID     string          `json:"receiverId"`
	Text           string          `json:"text"`
	Timestamp      json.RawMessage `json:"timestamp"`
}

// Reconcile turns a conversation snapshot into the ordered message list.
//
// Messages are sorted by server timestamp, then by key. Pending messages
// follow every timestamped one, in key order, which is send order. An empty
// snapshot yields an empty list. Children that are not messages are skipped
// and reported in the returned error alongside the valid messages.
func Reconcile(snap Snapshot) ([]Message, error) {
	children, err := snap.Children()
	if err != nil {
		return []Message{}, err
	}

	msgs := make([]Message, 0, len(children))
	var errs []error
	for id, raw := range children {
		m, err := decodeMessage(id, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msgs = append(msgs, m)
	}
	SortMessages(msgs)
	return msgs, errors.Join(errs...)
}

// SortMessages orders msgs in place the way Reconcile does.
func SortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return messageLess(msgs[i], msgs[j])
	})
}

func messageLess(a, b Message) bool {
	if a.Pending != b.Pending {
		return !a.Pending
	}
	if !a.Pending && a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}

func decodeMessage(id string, raw json.RawMessage) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("message %s: %w", id, err)
	}
	m := Message{
		ID:             id,
		SenderID:       w.SenderID,
		SenderName:     w.SenderName,
		SenderPhotoURL: w.SenderPhotoURL,
		ReceiverID:     w.ReceiverID,
		Text:           w.Text,
	}
	ts, ok := parseTimestamp(w.Timestamp)
	m.Timestamp = ts
	m.Pending = !ok
	return m, nil
}

// parseTimestamp accepts a JSON number. Anything else, including the
// unresolved ServerTimestamp placeholder, means the message is pending.
func parseTimestamp(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return int64(f), true
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation holds the latest ordered view of one message stream.
type Conversation struct {
	ID   string
	Path string

	mu       sync.RWMutex
	messages []Message
	applied  int
	log      zerolog.Logger
}

// NewConversation creates an empty conversation view for path.
func NewConversation(id, path string, log zerolog.Logger) *Conversation {
	return &Conversation{ID: id, Path: path, messages: []Message{}, log: log}
}

// Apply replaces the view with the content of snap and returns the new list.
// Snapshots for another path are ignored.
func (c *Conversation) Apply(snap Snapshot) []Message {
	if snap.Path != c.Path {
		c.log.Warn().Str("want", c.Path).Str("got", snap.Path).Msg("snapshot for another path ignored")
		return c.Messages()
	}

	msgs, err := Reconcile(snap)
	if err != nil {
		c.log.Warn().Err(err).Str("path", c.Path).Msg("malformed messages skipped")
	}

	c.mu.Lock()
	c.messages = msgs
	c.applied++
	c.mu.Unlock()

	c.log.Debug().Str("path", c.Path).Int("messages", len(msgs)).Msg("snapshot applied")
	return append([]Message(nil), msgs...)
}

// Messages returns a copy of the current ordered list.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Message{}, c.messages...)
}

// Loaded reports whether at least one snapshot has been applied.
func (c *Conversation) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.applied > 0
}

// ============================================================================
// Grouping
// ============================================================================

// ProfileLookup resolves a user id to a directory profile.
type ProfileLookup interface {
	Get(uid string) (UserProfile, bool)
}

// RenderedMessage is a message with the sender attribution resolved.
type RenderedMessage struct {
	Message
	ShowHeader  bool
	DisplayName string
	AvatarURL   string
}

// Clock returns the local "15:04" time of the message, or "" while pending.
func (r RenderedMessage) Clock() string {
	if r.Pending {
		return ""
	}
	return r.Time().Local().Format("15:04")
}

// Group marks the first message of every run of consecutive messages from the
// same sender. Names and photos come from the message itself, then from
// lookup, then from the defaults.
func Group(msgs []Message, lookup ProfileLookup) []RenderedMessage {
	out := make([]RenderedMessage, 0, len(msgs))
	for i, m := range msgs {
		r := RenderedMessage{
			Message:    m,
			ShowHeader: i == 0 || msgs[i-1].SenderID != m.SenderID,
		}
		r.DisplayName, r.AvatarURL = attribution(m, lookup)
		out = append(out, r)
	}
	return out
}

func attribution(m Message, lookup ProfileLookup) (name, photo string) {
	name = m.SenderName
	if m.SenderPhotoURL != nil {
		photo = *m.SenderPhotoURL
	}
	if (name == "" || photo == "") && lookup != nil {
		if p, ok := lookup.Get(m.SenderID); ok {
			if name == "" {
				name = p.DisplayName()
			}
			if photo == "" {
				photo = p.Photo()
			}
		}
	}
	if name == "" {
		name = DefaultSenderName
	}
	return name, photo
}
