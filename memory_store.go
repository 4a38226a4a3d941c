package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Persistence
// ============================================================================

// Persister keeps a durable copy of a MemoryStore. Save replaces the subtree at
// path; a null value records that the subtree was removed.
type Persister interface {
	Load(ctx context.Context) (map[string]json.RawMessage, error)
	Save(ctx context.Context, path string, value json.RawMessage) error
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is an in-process RealtimeStore holding one JSON tree.
type MemoryStore struct {
	mu        sync.Mutex
	root      map[string]any
	listeners map[int64]*storeListener
	nextID    int64
	closed    bool

	// held while callbacks run so that notifications keep mutation order
	dispatchMu sync.Mutex

	persist Persister
	now     func() time.Time
	log     zerolog.Logger
}

type storeListener struct {
	path  string
	label string // path as given to Subscribe
	fn    func(Snapshot)
}

type pendingNotice struct {
	listener *storeListener
	snap     Snapshot
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithPersister mirrors every mutation to p. Save errors are logged; the
// mutation itself has already been applied and delivered.
func WithPersister(p Persister) MemoryStoreOption {
	return func(s *MemoryStore) { s.persist = p }
}

// WithStoreClock sets the clock used to resolve ServerTimestamp.
func WithStoreClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithStoreLogger sets the store logger.
func WithStoreLogger(l zerolog.Logger) MemoryStoreOption {
	return func(s *MemoryStore) { s.log = l }
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		root:      make(map[string]any),
		listeners: make(map[int64]*storeListener),
		now:       time.Now,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the tree with the persisted copy. Shallow paths are applied
// before deeper ones so later fragments override their ancestors.
func (s *MemoryStore) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	nodes, err := s.persist.Load(ctx)
	if err != nil {
		return fmt.Errorf("load store: %w", err)
	}
	paths := make([]string, 0, len(nodes))
	for p := range nodes {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		di, dj := strings.Count(paths[i], "/"), strings.Count(paths[j], "/")
		if di != dj {
			return di < dj
		}
		return paths[i] < paths[j]
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = make(map[string]any)
	for _, p := range paths {
		segs, err := splitPath(p)
		if err != nil {
			s.log.Warn().Str("path", p).Msg("skipping persisted node with invalid path")
			continue
		}
		v, err := normalizeValue(nodes[p])
		if err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
		s.setLocked(segs, v)
	}
	s.log.Info().Int("nodes", len(paths)).Msg("store loaded")
	return nil
}

// Close drops every listener. Later calls to the store fail with ErrClosed;
// unsubscribe funcs stay safe to call.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.listeners = make(map[int64]*storeListener)
	s.mu.Unlock()
	return nil
}

// Read returns the current value at path.
func (s *MemoryStore) Read(ctx context.Context, path string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	segs, err := splitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Snapshot{}, ErrClosed
	}
	return s.snapshotLocked(path, segs), nil
}

// Subscribe registers fn for path and delivers the current value immediately.
// Snapshots carry path exactly as given.
func (s *MemoryStore) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	label := path
	path = strings.Join(segs, "/")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.nextID++
	id := s.nextID
	l := &storeListener{path: path, label: label, fn: fn}
	s.listeners[id] = l
	initial := s.snapshotLocked(label, segs)
	s.dispatchMu.Lock()
	s.mu.Unlock()
	s.emit(l, initial)
	s.dispatchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}, nil
}

// Write replaces the value at path. A nil value deletes it.
func (s *MemoryStore) Write(ctx context.Context, path string, value any) error {
	v, err := normalizeValue(value)
	if err != nil {
		return err
	}
	return s.mutate(ctx, path, func(segs []string, now int64) {
		s.setLocked(segs, resolveSentinels(v, now))
	})
}

// Append stores value under a new time-ordered key below path.
func (s *MemoryStore) Append(ctx context.Context, path string, value any) (string, error) {
	key := NewPushKey()
	if err := s.Write(ctx, joinPath(strings.Trim(path, "/"), key), value); err != nil {
		return "", err
	}
	return key, nil
}

// Update sets each field below path, leaving siblings untouched. Field names
// may themselves be slash separated paths.
func (s *MemoryStore) Update(ctx context.Context, path string, fields map[string]any) error {
	type field struct {
		segs []string
		v    any
	}
	parsed := make([]field, 0, len(fields))
	for k, raw := range fields {
		segs, err := splitPath(k)
		if err != nil {
			return fmt.Errorf("update field %q: %w", k, err)
		}
		v, err := normalizeValue(raw)
		if err != nil {
			return fmt.Errorf("update field %q: %w", k, err)
		}
		parsed = append(parsed, field{segs: segs, v: v})
	}
	return s.mutate(ctx, path, func(base []string, now int64) {
		for _, f := range parsed {
			full := append(append([]string{}, base...), f.segs...)
			s.setLocked(full, resolveSentinels(f.v, now))
		}
	})
}

// Delete removes the value at path.
func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	return s.mutate(ctx, path, func(segs []string, _ int64) {
		s.setLocked(segs, nil)
	})
}

func (s *MemoryStore) mutate(ctx context.Context, path string, apply func(segs []string, now int64)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	path = strings.Join(segs, "/")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	apply(segs, s.now().UnixMilli())
	after := s.snapshotLocked(path, segs)
	notices := s.collectLocked(path)
	s.dispatchMu.Lock()
	s.mu.Unlock()
	for _, n := range notices {
		s.emit(n.listener, n.snap)
	}
	s.dispatchMu.Unlock()

	// committed and delivered; a failed save is only logged
	if s.persist != nil {
		if err := s.persist.Save(context.WithoutCancel(ctx), path, after.Value); err != nil {
			s.log.Error().Err(err).Str("path", path).Msg("persist failed")
		}
	}
	return nil
}

func (s *MemoryStore) collectLocked(changed string) []pendingNotice {
	ids := make([]int64, 0, len(s.listeners))
	for id, l := range s.listeners {
		if isRelatedPath(l.path, changed) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]pendingNotice, 0, len(ids))
	for _, id := range ids {
		l := s.listeners[id]
		segs := strings.Split(l.path, "/")
		out = append(out, pendingNotice{listener: l, snap: s.snapshotLocked(l.label, segs)})
	}
	return out
}

func (s *MemoryStore) emit(l *storeListener, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("path", l.path).Msg("listener panicked")
		}
	}()
	l.fn(snap)
}

func (s *MemoryStore) snapshotLocked(path string, segs []string) Snapshot {
	v := s.getLocked(segs)
	if v == nil {
		return Snapshot{Path: path, Value: json.RawMessage("null")}
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("encode snapshot")
		return Snapshot{Path: path, Value: json.RawMessage("null")}
	}
	return Snapshot{Path: path, Value: data}
}

func (s *MemoryStore) getLocked(segs []string) any {
	var cur any = s.root
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// setLocked stores v at segs, creating parents as needed. A nil or empty v
// removes the node, and parents left without children are removed too.
func (s *MemoryStore) setLocked(segs []string, v any) {
	v = pruneEmpty(v)
	parents := make([]map[string]any, 0, len(segs))
	cur := s.root
	for _, seg := range segs[:len(segs)-1] {
		parents = append(parents, cur)
		next, ok := cur[seg].(map[string]any)
		if !ok {
			if v == nil {
				return
			}
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	last := segs[len(segs)-1]
	if v != nil {
		cur[last] = v
		return
	}
	delete(cur, last)
	for i := len(parents) - 1; i >= 0 && len(cur) == 0; i-- {
		delete(parents[i], segs[i])
		cur = parents[i]
	}
}
