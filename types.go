package chatsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Shared Errors
// ============================================================================

var (
	// ErrNotAuthenticated is returned when an operation needs a signed-in identity.
	ErrNotAuthenticated = errors.New("chatsync: not authenticated")
	// ErrClosed is returned by operations on a closed store or session.
	ErrClosed = errors.New("chatsync: closed")
	// ErrNotConnected is returned by a remote store with no live connection.
	ErrNotConnected = errors.New("chatsync: not connected")
	// ErrInvalidPath is returned for empty paths or keys with forbidden characters.
	ErrInvalidPath = errors.New("chatsync: invalid path")
)

// ============================================================================
// Directory Types
// ============================================================================

// UserProfile is a record under users/{uid}.
type UserProfile struct {
	UID         string  `json:"uid"`
	FullName    string  `json:"fullName"`
	Email       string  `json:"email"`
	PhoneNumber string  `json:"phoneNumber"`
	PhotoURI    *string `json:"photoUri"`
	CreatedAt   string  `json:"createdAt,omitempty"`
}

// UnmarshalJSON accepts the legacy photoURL field written at registration.
func (p *UserProfile) UnmarshalJSON(data []byte) error {
	type alias UserProfile
	var raw struct {
		alias
		LegacyPhotoURL *string `json:"photoURL"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = UserProfile(raw.alias)
	if p.PhotoURI == nil {
		p.PhotoURI = raw.LegacyPhotoURL
	}
	return nil
}

// DisplayName returns the name shown in listings and chat headers.
func (p UserProfile) DisplayName() string {
	return p.FullName
}

// Photo returns the photo URI or "" when none is set.
func (p UserProfile) Photo() string {
	if p.PhotoURI == nil {
		return ""
	}
	return *p.PhotoURI
}

// ============================================================================
// Message Types
// ============================================================================

// Message is one entry of a conversation stream. ID is the key the store
// assigned on append. Pending is true while the server timestamp is unresolved.
type Message struct {
	ID             string  `json:"id"`
	SenderID       string  `json:"senderId"`
	SenderName     string  `json:"senderName,omitempty"`
	SenderPhotoURL *string `json:"senderPhotoURL"`
	ReceiverID     string  `json:"receiverId,omitempty"`
	Text           string  `json:"text"`
	Timestamp      int64   `json:"timestamp,omitempty"`
	Pending        bool    `json:"pending,omitempty"`
}

// Time returns the server timestamp, or the zero time for a pending message.
func (m Message) Time() time.Time {
	if m.Pending {
		return time.Time{}
	}
	return time.UnixMilli(m.Timestamp)
}

// IsGroup reports whether the message was sent to the group conversation.
func (m Message) IsGroup() bool {
	return m.ReceiverID == ""
}

// ============================================================================
// Snapshots
// ============================================================================

// Snapshot is the full current value at Path. A null Value means the
// collection is empty or does not exist.
type Snapshot struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

var jsonNull = []byte("null")

// Exists reports whether the path holds any value.
func (s Snapshot) Exists() bool {
	v := bytes.TrimSpace(s.Value)
	return len(v) > 0 && !bytes.Equal(v, jsonNull)
}

// Empty reports whether the snapshot carries no children. An empty snapshot is
// still an update: consumers clear their view on it.
func (s Snapshot) Empty() bool {
	if !s.Exists() {
		return true
	}
	v := bytes.TrimSpace(s.Value)
	return bytes.Equal(v, []byte("{}"))
}

// Children decodes the snapshot as a keyed collection.
func (s Snapshot) Children() (map[string]json.RawMessage, error) {
	if !s.Exists() {
		return map[string]json.RawMessage{}, nil
	}
	var children map[string]json.RawMessage
	if err := json.Unmarshal(s.Value, &children); err != nil {
		return nil, fmt.Errorf("snapshot %s is not a collection: %w", s.Path, err)
	}
	return children, nil
}

// Decode unmarshals the snapshot value into v.
func (s Snapshot) Decode(v any) error {
	if !s.Exists() {
		return fmt.Errorf("snapshot %s: no value", s.Path)
	}
	return json.Unmarshal(s.Value, v)
}
