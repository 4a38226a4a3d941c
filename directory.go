package chatsync

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const directoryOwner = "directory"

// ListOptions filters Directory.List.
type ListOptions struct {
	// ExcludeID drops this user, normally the caller.
	ExcludeID string
	// Query matches display names case-insensitively. Blank matches all.
	Query string
}

// Directory is the process-wide cache of user profiles, kept live from the
// users collection.
//
// Local changes made with Patch and Remove sit in an overlay on top of the
// last snapshot until the next snapshot replaces both.
type Directory struct {
	subs *SubscriptionManager
	log  zerolog.Logger

	mu            sync.RWMutex
	authoritative map[string]UserProfile
	overlay       map[string]*UserProfile // nil entry: removed locally
	loaded        bool

	startMu   sync.Mutex
	started   bool
	ready     chan struct{}
	readyOnce sync.Once

	watchMu   sync.Mutex
	watchers  map[int]chan map[string]UserProfile
	nextWatch int
}

// NewDirectory creates an empty directory fed through subs.
func NewDirectory(subs *SubscriptionManager, log zerolog.Logger) *Directory {
	return &Directory{
		subs:          subs,
		log:           log,
		authoritative: map[string]UserProfile{},
		overlay:       map[string]*UserProfile{},
		ready:         make(chan struct{}),
		watchers:      map[int]chan map[string]UserProfile{},
	}
}

// Start subscribes to the users collection. Once it has succeeded, later
// calls do nothing. The subscription is not bound to ctx: it stays live until
// the subscription manager closes it.
func (d *Directory) Start(ctx context.Context) error {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.started {
		return nil
	}
	sub, err := d.subs.Open(context.WithoutCancel(ctx), directoryOwner, UsersPath)
	if err != nil {
		return err
	}
	d.started = true
	go d.run(sub)
	return nil
}

// Ready is closed once the first snapshot has been applied.
func (d *Directory) Ready() <-chan struct{} {
	return d.ready
}

func (d *Directory) run(sub *Subscription) {
	for snap := range sub.Snapshots() {
		d.apply(snap)
	}
}

func (d *Directory) apply(snap Snapshot) {
	children, err := snap.Children()
	if err != nil {
		d.log.Warn().Err(err).Msg("directory snapshot ignored")
		return
	}
	profiles := make(map[string]UserProfile, len(children))
	for uid, raw := range children {
		var p UserProfile
		if err := p.UnmarshalJSON(raw); err != nil {
			d.log.Warn().Err(err).Str("uid", uid).Msg("malformed profile skipped")
			continue
		}
		if p.UID == "" {
			p.UID = uid
		}
		profiles[uid] = p
	}

	d.mu.Lock()
	d.authoritative = profiles
	d.overlay = map[string]*UserProfile{}
	d.loaded = true
	d.mu.Unlock()

	d.log.Debug().Int("users", len(profiles)).Msg("directory updated")
	d.readyOnce.Do(func() { close(d.ready) })
	d.notify()
}

// Loaded reports whether a snapshot has been applied.
func (d *Directory) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

// Get returns the profile of uid.
func (d *Directory) Get(uid string) (UserProfile, bool) {
	if d == nil {
		return UserProfile{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.overlay[uid]; ok {
		if p == nil {
			return UserProfile{}, false
		}
		return *p, true
	}
	p, ok := d.authoritative[uid]
	return p, ok
}

// All returns a copy of the current mapping.
func (d *Directory) All() map[string]UserProfile {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mergedLocked()
}

// List returns the profiles matching opts, sorted by display name then id.
func (d *Directory) List(opts ListOptions) []UserProfile {
	all := d.All()
	q := strings.ToLower(strings.TrimSpace(opts.Query))
	out := make([]UserProfile, 0, len(all))
	for uid, p := range all {
		if uid == opts.ExcludeID {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(p.DisplayName()), q) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].DisplayName()), strings.ToLower(out[j].DisplayName())
		if a != b {
			return a < b
		}
		return out[i].UID < out[j].UID
	})
	return out
}

// Patch records a local change to uid ahead of the store confirming it.
func (d *Directory) Patch(uid string, p UserProfile) {
	if p.UID == "" {
		p.UID = uid
	}
	d.mu.Lock()
	d.overlay[uid] = &p
	d.mu.Unlock()
	d.notify()
}

// Remove hides uid until the next snapshot.
func (d *Directory) Remove(uid string) {
	d.mu.Lock()
	d.overlay[uid] = nil
	d.mu.Unlock()
	d.notify()
}

// Watch returns a channel of merged mappings, starting with the current one,
// and a func that stops the watch. A slow reader only sees the latest mapping.
func (d *Directory) Watch() (<-chan map[string]UserProfile, func()) {
	ch := make(chan map[string]UserProfile, 1)
	d.watchMu.Lock()
	d.nextWatch++
	id := d.nextWatch
	d.watchers[id] = ch
	ch <- d.All()
	d.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.watchMu.Lock()
			delete(d.watchers, id)
			close(ch)
			d.watchMu.Unlock()
		})
	}
}

// notify reads the mapping under watchMu so watchers never see an older
// mapping after a newer one.
func (d *Directory) notify() {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	if len(d.watchers) == 0 {
		return
	}
	merged := d.All()
	for _, ch := range d.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- copyProfiles(merged)
	}
}

func (d *Directory) mergedLocked() map[string]UserProfile {
	out := make(map[string]UserProfile, len(d.authoritative)+len(d.overlay))
	for uid, p := range d.authoritative {
		out[uid] = p
	}
	for uid, p := range d.overlay {
		if p == nil {
			delete(out, uid)
			continue
		}
		out[uid] = *p
	}
	return out
}

func copyProfiles(m map[string]UserProfile) map[string]UserProfile {
	out := make(map[string]UserProfile, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
