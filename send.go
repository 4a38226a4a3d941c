package chatsync

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Targets
// ============================================================================

// Target is the destination of a send: a peer for direct messages, or the
// group conversation when RecipientID is empty.
type Target struct {
	RecipientID string
}

// DirectTarget addresses the one-to-one conversation with uid.
func DirectTarget(uid string) Target {
	return Target{RecipientID: uid}
}

// GroupTarget addresses the global group conversation.
var GroupTarget = Target{}

// IsGroup reports whether t is the group conversation.
func (t Target) IsGroup() bool {
	return t.RecipientID == ""
}

// Path returns the message stream for t as seen by selfID.
func (t Target) Path(selfID string) string {
	if t.IsGroup() {
		return GroupMessagesPath()
	}
	return DirectMessagesPath(selfID, t.RecipientID)
}

// ConversationID returns the conversation identifier for t as seen by selfID.
func (t Target) ConversationID(selfID string) string {
	if t.IsGroup() {
		return GroupConversationID
	}
	return ConversationID(selfID, t.RecipientID)
}

// ============================================================================
// Sender
// ============================================================================

// Sender appends messages on behalf of the signed-in user.
type Sender struct {
	store  RealtimeStore
	auth   Auth
	lookup ProfileLookup
	log    zerolog.Logger
}

// NewSender creates a Sender. lookup supplies the sender's name and photo.
func NewSender(store RealtimeStore, auth Auth, lookup ProfileLookup, log zerolog.Logger) *Sender {
	return &Sender{store: store, auth: auth, lookup: lookup, log: log}
}

// Send appends text to the conversation of target and returns the new key.
// Text that is empty after trimming is ignored: nothing is written and the
// key is "". The conversation view changes only through the next snapshot.
func (s *Sender) Send(ctx context.Context, text string, target Target) (string, error) {
	body := strings.TrimSpace(text)
	if body == "" {
		return "", nil
	}
	id := s.auth.CurrentIdentity()
	if id == nil {
		return "", ErrNotAuthenticated
	}

	name, photo := s.attribution(id)
	payload := map[string]any{
		"senderId":       id.ID,
		"senderName":     name,
		"senderPhotoURL": photo,
		"text":           body,
		"timestamp":      ServerTimestamp,
	}
	if !target.IsGroup() {
		payload["receiverId"] = target.RecipientID
	}

	path := target.Path(id.ID)
	key, err := s.store.Append(ctx, path, payload)
	if err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("send failed")
		return "", fmt.Errorf("send message: %w", err)
	}
	s.log.Debug().Str("path", path).Str("key", key).Msg("message sent")
	return key, nil
}

// attribution captures the sender's name and photo at send time: the
// directory first, then the identity itself, then the default name.
func (s *Sender) attribution(id *Identity) (string, *string) {
	name, photo := "", ""
	if s.lookup != nil {
		if p, ok := s.lookup.Get(id.ID); ok {
			name, photo = p.DisplayName(), p.Photo()
		}
	}
	if name == "" {
		name = id.DisplayName
	}
	if photo == "" {
		photo = id.PhotoURL
	}
	if name == "" {
		name = DefaultSenderName
	}
	if photo == "" {
		return name, nil
	}
	return name, &photo
}

// ============================================================================
// Composer
// ============================================================================

// SendResult is the outcome of a background send.
type SendResult struct {
	Key string
	Err error
}

// Composer holds the draft of one conversation. Submit clears the draft at
// once and lets the write finish in the background.
type Composer struct {
	sender *Sender
	target Target

	mu    sync.Mutex
	draft string
	wg    sync.WaitGroup
}

// NewComposer creates a composer sending to target.
func NewComposer(sender *Sender, target Target) *Composer {
	return &Composer{sender: sender, target: target}
}

// SetDraft replaces the draft.
func (c *Composer) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

// Draft returns the current draft.
func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Submit sends the draft. A blank draft is left untouched and nothing is sent.
// The write is not cancelled when ctx is; the result arrives on the returned
// channel, which is closed afterwards.
func (c *Composer) Submit(ctx context.Context) <-chan SendResult {
	out := make(chan SendResult, 1)

	c.mu.Lock()
	text := c.draft
	if strings.TrimSpace(text) == "" {
		c.mu.Unlock()
		close(out)
		return out
	}
	c.draft = ""
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(out)
		key, err := c.sender.Send(context.WithoutCancel(ctx), text, c.target)
		out <- SendResult{Key: key, Err: err}
	}()
	return out
}

// Wait blocks until every submitted write has finished.
func (c *Composer) Wait() {
	c.wg.Wait()
}
