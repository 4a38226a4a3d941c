package chatsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Subscription
// ============================================================================

// Subscription is a live view of one store path held by one owner.
//
// Snapshots are conflated: if the consumer falls behind, intermediate
// snapshots are skipped, but a newer one is never followed by an older one.
// The channel returned by Snapshots is closed after Close.
type Subscription struct {
	Owner string
	Path  string

	out    chan Snapshot
	signal chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	latest  *Snapshot
	closed  bool
	once    sync.Once
	onClose func()
}

func newSubscription(owner, path string) *Subscription {
	s := &Subscription{
		Owner:  owner,
		Path:   path,
		out:    make(chan Snapshot),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// Snapshots returns the live sequence of snapshots for Path.
func (s *Subscription) Snapshots() <-chan Snapshot {
	return s.out
}

// Done is closed once the subscription has been closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close releases this handle. It is idempotent and does not affect other
// handles on the same path.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.latest = nil
		s.mu.Unlock()

		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// deliver never blocks; it replaces any snapshot not yet handed to the consumer.
func (s *Subscription) deliver(snap Snapshot) {
	snap.Path = s.Path
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.latest = &snap
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		s.mu.Lock()
		snap := s.latest
		s.latest = nil
		s.mu.Unlock()
		if snap == nil {
			continue
		}

		select {
		case s.out <- *snap:
		case <-s.done:
			return
		}
	}
}

// ============================================================================
// Feed
// ============================================================================

// feed is the single store listener behind every handle of one (owner, path).
// It detaches from the store when its last handle closes.
type feed struct {
	key subscriptionKey

	mu      sync.Mutex
	members map[*Subscription]struct{}
	last    *Snapshot
	unsub   func()
	closed  bool
}

func (f *feed) deliver(snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.last = &snap
	for m := range f.members {
		m.deliver(snap)
	}
}

// join adds sub and hands it the latest snapshot, if any.
func (f *feed) join(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[sub] = struct{}{}
	if f.last != nil {
		sub.deliver(*f.last)
	}
}

// attach binds the store listener. If the feed already shut down, the listener
// is released right away.
func (f *feed) attach(unsub func()) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		unsub()
		return
	}
	f.unsub = unsub
	f.mu.Unlock()
}

// shutdown marks the feed closed and returns its members and store listener.
func (f *feed) shutdown() ([]*Subscription, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	members := make([]*Subscription, 0, len(f.members))
	for m := range f.members {
		members = append(members, m)
	}
	unsub := f.unsub
	f.unsub = nil
	return members, unsub
}

// ============================================================================
// SubscriptionManager
// ============================================================================

type subscriptionKey struct {
	owner string
	path  string
}

// SubscriptionManager opens store subscriptions and keeps at most one store
// listener per (owner, path). Every Open returns its own handle; the listener
// is released when the last handle for it is closed.
type SubscriptionManager struct {
	store RealtimeStore
	log   zerolog.Logger

	mu     sync.Mutex
	active map[subscriptionKey]*feed
}

// NewSubscriptionManager creates a manager over store.
func NewSubscriptionManager(store RealtimeStore, log zerolog.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		store:  store,
		log:    log,
		active: make(map[subscriptionKey]*feed),
	}
}

// Open subscribes owner to path and returns a new handle. A second Open for
// the same owner and path shares the store listener of the first. Each handle
// is closed by its own Close or when its own ctx is done.
func (m *SubscriptionManager) Open(ctx context.Context, owner, path string) (*Subscription, error) {
	clean, err := cleanPath(path)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}
	key := subscriptionKey{owner: owner, path: clean}
	sub := newSubscription(owner, path)

	m.mu.Lock()
	f, shared := m.active[key]
	if !shared {
		f = &feed{key: key, members: map[*Subscription]struct{}{}}
		m.active[key] = f
	}
	sub.onClose = func() { m.leave(f, sub) }
	f.join(sub)
	m.mu.Unlock()

	if !shared {
		unsub, err := m.store.Subscribe(ctx, clean, f.deliver)
		if err != nil {
			m.drop(f)
			m.log.Error().Err(err).Str("owner", owner).Str("path", clean).Msg("subscribe failed")
			return nil, fmt.Errorf("subscribe %s: %w", path, err)
		}
		f.attach(unsub)
		m.log.Debug().Str("owner", owner).Str("path", clean).Msg("subscription opened")
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Scope opens a subscription, runs fn and closes the subscription when fn
// returns or panics.
func (m *SubscriptionManager) Scope(ctx context.Context, owner, path string, fn func(context.Context, *Subscription) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := m.Open(ctx, owner, path)
	if err != nil {
		return err
	}
	defer sub.Close()
	return fn(ctx, sub)
}

// CloseOwner closes every handle held by owner.
func (m *SubscriptionManager) CloseOwner(owner string) {
	m.closeWhere(func(k subscriptionKey) bool { return k.owner == owner })
}

// CloseAll closes every handle.
func (m *SubscriptionManager) CloseAll() {
	m.closeWhere(func(subscriptionKey) bool { return true })
}

func (m *SubscriptionManager) closeWhere(match func(subscriptionKey) bool) {
	m.mu.Lock()
	var feeds []*feed
	for k, f := range m.active {
		if match(k) {
			feeds = append(feeds, f)
		}
	}
	m.mu.Unlock()

	for _, f := range feeds {
		f.mu.Lock()
		members := make([]*Subscription, 0, len(f.members))
		for s := range f.members {
			members = append(members, s)
		}
		f.mu.Unlock()
		for _, s := range members {
			s.Close()
		}
	}
}

// Active returns the number of store listeners held open.
func (m *SubscriptionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// leave removes sub from f and releases the store listener with the last handle.
func (m *SubscriptionManager) leave(f *feed, sub *Subscription) {
	m.mu.Lock()
	f.mu.Lock()
	delete(f.members, sub)
	last := len(f.members) == 0 && !f.closed
	f.mu.Unlock()
	if last && m.active[f.key] == f {
		delete(m.active, f.key)
	}
	m.mu.Unlock()

	if !last {
		return
	}
	_, unsub := f.shutdown()
	if unsub != nil {
		unsub()
	}
	m.log.Debug().Str("owner", f.key.owner).Str("path", f.key.path).Msg("subscription closed")
}

// drop discards a feed whose store subscription failed, closing any handle
// that joined meanwhile.
func (m *SubscriptionManager) drop(f *feed) {
	m.mu.Lock()
	if m.active[f.key] == f {
		delete(m.active, f.key)
	}
	m.mu.Unlock()

	members, _ := f.shutdown()
	for _, s := range members {
		s.Close()
	}
}
