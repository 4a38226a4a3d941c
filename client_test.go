package chatsync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	chatsync "github.com/wachat/chatsync"
)

func waitMessages(t *testing.T, s *chatsync.ChatSession, cond func([]chatsync.Message) bool) []chatsync.Message {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case msgs, ok := <-s.Updates():
			if !ok {
				t.Fatal("updates closed")
			}
			if cond(msgs) {
				return msgs
			}
		case <-deadline:
			t.Fatal("timed out waiting for messages")
		}
	}
}

func TestClientChat(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := chatsync.NewMemoryStore(chatsync.WithStoreClock(clock.Now))
	svc := newAuthService(t, clock)

	alice := chatsync.NewClient(store, chatsync.NewLocalAuth(svc), chatsync.WithClock(clock.Now))
	bob := chatsync.NewClient(store, chatsync.NewLocalAuth(svc), chatsync.WithClock(clock.Now))
	defer alice.Close()
	defer bob.Close()

	aliceID, err := alice.Account().Register(ctx, registrationForm("Alice", "alice@example.com"))
	if err != nil {
		t.Fatalf("Register alice: %v", err)
	}
	bobID, err := bob.Account().Register(ctx, registrationForm("Bob", "bob@example.com"))
	if err != nil {
		t.Fatalf("Register bob: %v", err)
	}

	for _, c := range []*chatsync.Client{alice, bob} {
		if err := c.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
		<-c.Directory().Ready()
	}
	eventually(t, "both users in directory", func() bool {
		return len(alice.Users("")) == 1 && len(bob.Users("")) == 1
	})
	if users := alice.Users(""); users[0].UID != bobID.ID {
		t.Fatalf("expected alice to see bob only, got %+v", users)
	}

	chatA, err := alice.OpenDirectChat(ctx, bobID.ID)
	if err != nil {
		t.Fatalf("OpenDirectChat: %v", err)
	}
	chatB, err := bob.OpenDirectChat(ctx, aliceID.ID)
	if err != nil {
		t.Fatalf("OpenDirectChat: %v", err)
	}

	if h := chatA.Header(); h.Title != "Bob" || h.Status != chatsync.PresenceOffline || h.Typing {
		t.Fatalf("unexpected header %+v", h)
	}

	waitMessages(t, chatA, func(m []chatsync.Message) bool { return len(m) == 0 })
	if !chatA.Loaded() {
		t.Fatal("expected chat loaded after first update")
	}

	if _, err := chatA.Send(ctx, "hi bob"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := chatA.Send(ctx, "are you there?"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	clock.Advance(time.Second)
	chatB.Composer().SetDraft("yes")
	res := <-chatB.Composer().Submit(ctx)
	if res.Err != nil {
		t.Fatalf("Submit: %v", res.Err)
	}

	msgs := waitMessages(t, chatB, func(m []chatsync.Message) bool { return len(m) == 3 })
	if msgs[0].Text != "hi bob" || msgs[1].Text != "are you there?" || msgs[2].Text != "yes" {
		t.Fatalf("unexpected order %+v", msgs)
	}

	rendered := chatB.Rendered()
	if len(rendered) != 3 {
		t.Fatalf("expected 3 rendered messages, got %d", len(rendered))
	}
	if !rendered[0].ShowHeader || rendered[1].ShowHeader || !rendered[2].ShowHeader {
		t.Fatalf("unexpected headers %v %v %v", rendered[0].ShowHeader, rendered[1].ShowHeader, rendered[2].ShowHeader)
	}
	if rendered[0].DisplayName != "Alice" || rendered[2].DisplayName != "Bob" {
		t.Fatalf("unexpected names %q %q", rendered[0].DisplayName, rendered[2].DisplayName)
	}

	before := alice.Subscriptions().Active()
	chatA.Close()
	chatB.Close()
	if got := alice.Subscriptions().Active(); got != before-1 {
		t.Fatalf("expected chat subscription released, got %d active (was %d)", got, before)
	}
	drained := make(chan struct{})
	go func() {
		for range chatA.Updates() {
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(waitTimeout):
		t.Fatal("expected updates closed after Close")
	}
}

func TestClientGroupChat(t *testing.T) {
	ctx := context.Background()
	store := chatsync.NewMemoryStore()
	client := chatsync.NewClient(store, signedIn("u1", "Uma"))
	defer client.Close()

	chat, err := client.OpenGroupChat(ctx)
	if err != nil {
		t.Fatalf("OpenGroupChat: %v", err)
	}
	defer chat.Close()

	if chat.ID != chatsync.GroupConversationID || chat.Path != chatsync.GroupMessagesPath() {
		t.Fatalf("unexpected group chat %s %s", chat.ID, chat.Path)
	}
	if h := chat.Header(); h.Title != "Group chat" {
		t.Fatalf("unexpected header %+v", h)
	}

	if key, err := chat.Send(ctx, "   "); key != "" || err != nil {
		t.Fatalf("expected blank send to be ignored, got %q %v", key, err)
	}
	if _, err := chat.Send(ctx, "hello everyone"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs := waitMessages(t, chat, func(m []chatsync.Message) bool { return len(m) == 1 })
	if !msgs[0].IsGroup() || msgs[0].SenderName != "Uma" {
		t.Fatalf("unexpected group message %+v", msgs[0])
	}
}

func TestClientRequiresIdentity(t *testing.T) {
	ctx := context.Background()
	client := chatsync.NewClient(chatsync.NewMemoryStore(), &staticAuth{})
	defer client.Close()

	if _, err := client.OpenGroupChat(ctx); !errors.Is(err, chatsync.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if _, err := client.OpenDirectChat(ctx, ""); err == nil {
		t.Fatal("expected error for empty peer")
	}
}

func TestChatHeaderUnknownPeer(t *testing.T) {
	ctx := context.Background()
	client := chatsync.NewClient(chatsync.NewMemoryStore(), signedIn("u1", ""))
	defer client.Close()

	chat, err := client.OpenDirectChat(ctx, "ghost")
	if err != nil {
		t.Fatalf("OpenDirectChat: %v", err)
	}
	defer chat.Close()
	if h := chat.Header(); h.Title != chatsync.DefaultSenderName || h.AvatarURL != "" {
		t.Fatalf("expected default header, got %+v", h)
	}
}
