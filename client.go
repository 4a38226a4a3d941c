// Package chatsync keeps a chat client in sync with a realtime tree store.
//
// A Client combines the subscription manager, the user directory cache, the
// message sender and the account flows:
//
//	store := chatsync.NewMemoryStore()
//	client := chatsync.NewClient(store, chatsync.NewLocalAuth(svc))
//	defer client.Close()
//
//	if err := client.Start(ctx); err != nil {
//		return err
//	}
//	chat, err := client.OpenDirectChat(ctx, peerID)
//	if err != nil {
//		return err
//	}
//	defer chat.Close()
//	for range chat.Updates() {
//		render(chat.Rendered())
//	}
//
// The same Client works against a relay server through RemoteStore and
// RemoteAuth.
package chatsync

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Client
// ============================================================================

// Client wires the sync engine: subscriptions, the directory cache, the
// sender and the account flows over one store and one auth service.
type Client struct {
	store   RealtimeStore
	auth    Auth
	storage ObjectStorage
	kv      KeyValueStore
	log     zerolog.Logger
	now     func() time.Time

	subs    *SubscriptionManager
	dir     *Directory
	sender  *Sender
	account *Account
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger shared by every component.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// WithObjectStorage sets the store used for profile photos.
func WithObjectStorage(s ObjectStorage) ClientOption {
	return func(c *Client) { c.storage = s }
}

// WithKeyValueStore sets where sign-in credentials are remembered.
func WithKeyValueStore(kv KeyValueStore) ClientOption {
	return func(c *Client) { c.kv = kv }
}

// WithClock sets the clock used for profile creation times.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient creates a Client. Call Start to load the directory.
func NewClient(store RealtimeStore, auth Auth, opts ...ClientOption) *Client {
	c := &Client{
		store: store,
		auth:  auth,
		log:   zerolog.Nop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.subs = NewSubscriptionManager(store, c.log.With().Str("component", "subscriptions").Logger())
	c.dir = NewDirectory(c.subs, c.log.With().Str("component", "directory").Logger())
	c.sender = NewSender(store, auth, c.dir, c.log.With().Str("component", "sender").Logger())
	c.account = &Account{
		auth:    auth,
		store:   store,
		storage: c.storage,
		kv:      c.kv,
		dir:     c.dir,
		log:     c.log.With().Str("component", "account").Logger(),
		now:     c.now,
	}
	return c
}

// Start subscribes the directory cache. It is safe to call more than once.
func (c *Client) Start(ctx context.Context) error {
	return c.dir.Start(ctx)
}

// Close releases every subscription.
func (c *Client) Close() {
	c.subs.CloseAll()
}

func (c *Client) Store() RealtimeStore                { return c.store }
func (c *Client) Auth() Auth                          { return c.auth }
func (c *Client) Subscriptions() *SubscriptionManager { return c.subs }
func (c *Client) Directory() *Directory               { return c.dir }
func (c *Client) Sender() *Sender                     { return c.sender }
func (c *Client) Account() *Account                   { return c.account }

// Users lists the directory without the signed-in user.
func (c *Client) Users(query string) []UserProfile {
	opts := ListOptions{Query: query}
	if id := c.auth.CurrentIdentity(); id != nil {
		opts.ExcludeID = id.ID
	}
	return c.dir.List(opts)
}

// OpenDirectChat opens the conversation with peerID.
func (c *Client) OpenDirectChat(ctx context.Context, peerID string) (*ChatSession, error) {
	if peerID == "" {
		return nil, errors.New("chatsync: peer id is required")
	}
	return c.openChat(ctx, DirectTarget(peerID))
}

// OpenGroupChat opens the global group conversation.
func (c *Client) OpenGroupChat(ctx context.Context) (*ChatSession, error) {
	return c.openChat(ctx, GroupTarget)
}

func (c *Client) openChat(ctx context.Context, target Target) (*ChatSession, error) {
	id := c.auth.CurrentIdentity()
	if id == nil {
		return nil, ErrNotAuthenticated
	}
	owner := "chat:" + NewPushKey()
	path := target.Path(id.ID)
	convID := target.ConversationID(id.ID)

	sub, err := c.subs.Open(ctx, owner, path)
	if err != nil {
		return nil, err
	}
	s := &ChatSession{
		ID:       convID,
		Path:     path,
		Target:   target,
		SelfID:   id.ID,
		sub:      sub,
		conv:     NewConversation(convID, path, c.log.With().Str("conversation", convID).Logger()),
		composer: NewComposer(c.sender, target),
		dir:      c.dir,
		updates:  make(chan []Message, 1),
		done:     make(chan struct{}),
	}
	go s.run()
	return s, nil
}
