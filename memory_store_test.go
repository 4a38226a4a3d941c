package chatsync_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	chatsync "github.com/wachat/chatsync"
)

type recorder struct {
	mu    sync.Mutex
	snaps []chatsync.Snapshot
}

func (r *recorder) record(s chatsync.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) all() []chatsync.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chatsync.Snapshot(nil), r.snaps...)
}

func (r *recorder) last(t *testing.T) chatsync.Snapshot {
	t.Helper()
	all := r.all()
	if len(all) == 0 {
		t.Fatal("expected at least one snapshot")
	}
	return all[len(all)-1]
}

// fakePersister records saves and serves a fixed Load result.
type fakePersister struct {
	mu    sync.Mutex
	nodes map[string]json.RawMessage
	saves []string
	err   error
}

func (p *fakePersister) Load(context.Context) (map[string]json.RawMessage, error) {
	return p.nodes, nil
}

func (p *fakePersister) Save(_ context.Context, path string, value json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.saves = append(p.saves, path+"="+string(value))
	return nil
}

func TestMemoryStoreSubscribe(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := chatsync.NewMemoryStore(chatsync.WithStoreClock(clock.Now))

	var rec recorder
	unsub, err := store.Subscribe(ctx, "groupMessages/global_chat", rec.record)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if got := rec.all(); len(got) != 1 || !got[0].Empty() {
		t.Fatalf("expected one empty initial snapshot, got %v", got)
	}

	key, err := store.Append(ctx, "groupMessages/global_chat", map[string]any{
		"senderId":  "u1",
		"text":      "hello",
		"timestamp": chatsync.ServerTimestamp,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if key == "" {
		t.Fatal("expected a generated key")
	}

	last := rec.last(t)
	msgs, err := chatsync.Reconcile(last)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != key {
		t.Fatalf("expected message %s, got %+v", key, msgs)
	}
	if msgs[0].Pending || msgs[0].Timestamp != clock.Now().UnixMilli() {
		t.Fatalf("expected resolved timestamp %d, got %+v", clock.Now().UnixMilli(), msgs[0])
	}
}

func TestMemoryStoreSnapshotKeepsSubscribedPath(t *testing.T) {
	ctx := context.Background()
	store := chatsync.NewMemoryStore()

	var rec recorder
	unsub, err := store.Subscribe(ctx, "/users/", rec.record)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()
	if got := rec.last(t).Path; got != "/users/" {
		t.Fatalf("expected initial snapshot labelled /users/, got %q", got)
	}

	if err := store.Write(ctx, "users/u1", map[string]any{"fullName": "A"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := rec.last(t).Path; got != "/users/" {
		t.Fatalf("expected change labelled /users/, got %q", got)
	}

	snap, err := store.Read(ctx, "users/u1/")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if snap.Path != "users/u1/" || !snap.Exists() {
		t.Fatalf("expected users/u1/ to exist, got %+v", snap)
	}
}

func TestMemoryStoreAppendKeysSortInOrder(t *testing.T) {
	ctx := context.Background()
	store := chatsync.NewMemoryStore()

	var keys []string
	for i := 0; i < 5; i++ {
		k, err := store.Append(ctx, "groupMessages/global_chat", map[string]any{"text": "x"})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("expected increasing keys, got %v", keys)
		}
	}
}

func TestMemoryStoreRelatedPaths(t *testing.T) {
	ctx := context.Background()
	store := chatsync.NewMemoryStore()

	var parent, child, other recorder
	for path, r := range map[string]*recorder{"users": &parent, "users/u1": &child, "messages": &other} {
		unsub, err := store.Subscribe(ctx, path, r.record)
		if err != nil {
			t.Fatalf("Subscribe %s: %v", path, err)
		}
		defer unsub()
	}

	if err := store.Write(ctx, "users/u1", map[string]any{"fullName": "Alice"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := len(parent.all()); got != 2 {
		t.Fatalf("expected ancestor notified, got %d snapshots", got)
	}
	if got := len(child.all()); got != 2 {
		t.Fatalf("expected listener notified, got %d snapshots", got)
	}

	if err := store.Write(ctx, "users", map[string]any{"u2": map[string]any{"fullName": "Bob"}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !child.last(t).Empty() {
		t.Fatalf("expected descendant to see removal, got %s", child.last(t).Value)
	}
	if got := childKeys(t, parent.last(t)); strings.Join(got, ",") != "u2" {
		t.Fatalf("expected users to hold u2 only, got %v", got)
	}
	if got := len(other.all()); got != 1 {
		t.Fatalf("expected unrelated listener untouched, got %d snapshots", got)
	}
}

func TestMemoryStoreUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	store := chatsync.NewMemoryStore()

	if err := store.Write(ctx, "users/u1", map[string]any{"fullName": "Alice", "email": "a@x.io"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.Update(ctx, "users/u1", map[string]any{"fullName": "Alice B", "settings/theme": "dark"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	snap, err := store.Read(ctx, "users/u1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var got struct {
		FullName string            `json:"fullName"`
		Email    string            `json:"email"`
		Settings map[string]string `json:"settings"`
	}
	if err := snap.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.FullName != "Alice B" || got.Email != "a@x.io" || got.Settings["theme"] != "dark" {
		t.Fatalf("unexpected profile after update: %+v", got)
	}

	if err := store.Delete(ctx, "users/u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	users, _ := store.Read(ctx, "users")
	if users.Exists() {
		t.Fatalf("expected empty parent to be pruned, got %s", users.Value)
	}

	if err := store.Write(ctx, "users/u1", map[string]any{}); err != nil {
		t.Fatalf("Write empty: %v", err)
	}
	if snap, _ := store.Read(ctx, "users/u1"); snap.Exists() {
		t.Fatalf("expected empty object to read as absent, got %s", snap.Value)
	}
}

func TestMemoryStoreInvalidPath(t *testing.T) {
	ctx := context.Background()
	store := chatsync.NewMemoryStore()

	for _, p := range []string{"", "/", "users/a.b", "users//x", "a#b", "x[1]"} {
		if err := store.Write(ctx, p, "v"); !errors.Is(err, chatsync.ErrInvalidPath) {
			t.Fatalf("path %q: expected ErrInvalidPath, got %v", p, err)
		}
	}
	if err := store.Update(ctx, "users/u1", map[string]any{"a$b": 1}); !errors.Is(err, chatsync.ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath for field, got %v", err)
	}
}

func TestMemoryStoreUnsubscribe(t *testing.T) {
	ctx := context.Background()
	store := chatsync.NewMemoryStore()

	var rec recorder
	unsub, err := store.Subscribe(ctx, "users", rec.record)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	unsub()
	unsub()

	if err := store.Write(ctx, "users/u1", map[string]any{"fullName": "A"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := len(rec.all()); got != 1 {
		t.Fatalf("expected no delivery after unsubscribe, got %d snapshots", got)
	}
}

func TestMemoryStoreListenerPanic(t *testing.T) {
	ctx := context.Background()
	store := chatsync.NewMemoryStore()

	calls := 0
	unsub, err := store.Subscribe(ctx, "users", func(chatsync.Snapshot) {
		calls++
		if calls > 1 {
			panic("boom")
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if err := store.Write(ctx, "users/u1", map[string]any{"fullName": "A"}); err != nil {
		t.Fatalf("expected write to survive a panicking listener, got %v", err)
	}
}

func TestMemoryStoreClose(t *testing.T) {
	ctx := context.Background()
	store := chatsync.NewMemoryStore()

	unsub, err := store.Subscribe(ctx, "users", func(chatsync.Snapshot) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	unsub()

	if err := store.Write(ctx, "users/u1", "x"); !errors.Is(err, chatsync.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := store.Subscribe(ctx, "users", func(chatsync.Snapshot) {}); !errors.Is(err, chatsync.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := chatsync.NewMemoryStore()

	if err := store.Write(ctx, "users/u1", "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryStorePersister(t *testing.T) {
	ctx := context.Background()

	t.Run("saves subtree after mutation", func(t *testing.T) {
		p := &fakePersister{}
		store := chatsync.NewMemoryStore(chatsync.WithPersister(p))

		if err := store.Write(ctx, "users/u1", map[string]any{"fullName": "A"}); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := store.Delete(ctx, "users/u1"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		want := []string{`users/u1={"fullName":"A"}`, `users/u1=null`}
		if strings.Join(p.saves, "|") != strings.Join(want, "|") {
			t.Fatalf("expected saves %v, got %v", want, p.saves)
		}
	})

	t.Run("save failure does not fail a committed write", func(t *testing.T) {
		p := &fakePersister{err: errors.New("disk full")}
		store := chatsync.NewMemoryStore(chatsync.WithPersister(p))

		rec := &recorder{}
		unsub, err := store.Subscribe(ctx, "messages/x", rec.record)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		defer unsub()

		key, err := store.Append(ctx, "messages/x", map[string]any{"text": "hi"})
		if err != nil {
			t.Fatalf("expected committed append to succeed, got %v", err)
		}
		snap, _ := store.Read(ctx, "messages/x/"+key)
		if !snap.Exists() {
			t.Fatal("expected message stored")
		}
		if last := rec.last(t); !strings.Contains(string(last.Value), key) {
			t.Fatalf("expected subscriber to see %s, got %s", key, last.Value)
		}
		if len(p.saves) != 0 {
			t.Fatalf("expected no recorded saves, got %v", p.saves)
		}
	})

	t.Run("load applies deeper nodes last", func(t *testing.T) {
		p := &fakePersister{nodes: map[string]json.RawMessage{
			"users/u1/fullName": json.RawMessage(`"Alice New"`),
			"users":             json.RawMessage(`{"u1":{"fullName":"Alice"},"u2":{"fullName":"Bob"}}`),
			"users/u2":          json.RawMessage(`null`),
		}}
		store := chatsync.NewMemoryStore(chatsync.WithPersister(p))
		if err := store.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}

		snap, _ := store.Read(ctx, "users")
		if got := strings.Join(childKeys(t, snap), ","); got != "u1" {
			t.Fatalf("expected u1 only, got %s", got)
		}
		name, _ := store.Read(ctx, "users/u1/fullName")
		if string(name.Value) != `"Alice New"` {
			t.Fatalf("expected overridden name, got %s", name.Value)
		}
	})
}

func TestMemoryStoreConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	store := chatsync.NewMemoryStore()

	var mu sync.Mutex
	var counts []int
	unsub, err := store.Subscribe(ctx, "groupMessages/global_chat", func(s chatsync.Snapshot) {
		children, _ := s.Children()
		mu.Lock()
		counts = append(counts, len(children))
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Append(ctx, "groupMessages/global_chat", map[string]any{"text": "x", "at": time.Now().UnixNano()})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(counts); i++ {
		if counts[i] < counts[i-1] {
			t.Fatalf("expected snapshots in mutation order, got %v", counts)
		}
	}
	if counts[len(counts)-1] != 20 {
		t.Fatalf("expected 20 messages in last snapshot, got %d", counts[len(counts)-1])
	}
}
