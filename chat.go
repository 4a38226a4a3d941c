package chatsync

import (
	"context"
)

// PresenceOffline is the only status the chat header shows.
const PresenceOffline = "Offline"

// ChatHeader describes the peer shown above a conversation.
type ChatHeader struct {
	Title     string
	AvatarURL string
	Status    string
	Typing    bool
}

// ChatSession is one open conversation screen. It owns a subscription to the
// conversation stream and is released by Close.
type ChatSession struct {
	ID     string
	Path   string
	Target Target
	SelfID string

	sub      *Subscription
	conv     *Conversation
	composer *Composer
	dir      *Directory
	updates  chan []Message
	done     chan struct{}
}

func (s *ChatSession) run() {
	defer close(s.done)
	for snap := range s.sub.Snapshots() {
		msgs := s.conv.Apply(snap)
		select {
		case <-s.updates:
		default:
		}
		s.updates <- msgs
	}
	close(s.updates)
}

// Updates delivers the ordered message list after every snapshot. A slow
// reader only sees the latest list. The channel is closed after Close.
func (s *ChatSession) Updates() <-chan []Message {
	return s.updates
}

// Messages returns the current ordered list.
func (s *ChatSession) Messages() []Message {
	return s.conv.Messages()
}

// Rendered returns the current list with sender headers resolved.
func (s *ChatSession) Rendered() []RenderedMessage {
	return Group(s.conv.Messages(), s.dir)
}

// Loaded reports whether the first snapshot has arrived.
func (s *ChatSession) Loaded() bool {
	return s.conv.Loaded()
}

// Composer returns the draft holder of this conversation.
func (s *ChatSession) Composer() *Composer {
	return s.composer
}

// Send sends text right away and waits for the write.
func (s *ChatSession) Send(ctx context.Context, text string) (string, error) {
	return s.composer.sender.Send(ctx, text, s.Target)
}

// Header returns the peer's name and photo with a static presence status.
func (s *ChatSession) Header() ChatHeader {
	h := ChatHeader{Status: PresenceOffline}
	if s.Target.IsGroup() {
		h.Title = "Group chat"
		return h
	}
	if p, ok := s.dir.Get(s.Target.RecipientID); ok {
		h.Title = p.DisplayName()
		h.AvatarURL = p.Photo()
	}
	if h.Title == "" {
		h.Title = DefaultSenderName
	}
	return h
}

// Close releases the subscription and waits for in-flight sends.
func (s *ChatSession) Close() {
	s.sub.Close()
	<-s.done
	s.composer.Wait()
}
