package chatsync_test

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	chatsync "github.com/wachat/chatsync"
)

const waitTimeout = 2 * time.Second

// fakeClock is a settable clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newAuthService(t *testing.T, clock *fakeClock) *chatsync.AuthService {
	t.Helper()
	cfg := chatsync.AuthServiceConfig{
		Secret:     "test-secret",
		BcryptCost: bcrypt.MinCost,
	}
	if clock != nil {
		cfg.Now = clock.Now
	}
	svc, err := chatsync.NewAuthService(cfg)
	if err != nil {
		t.Fatalf("NewAuthService: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recvSnapshot(t *testing.T, sub *chatsync.Subscription) chatsync.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Snapshots():
		if !ok {
			t.Fatal("snapshot channel closed")
		}
		return snap
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for snapshot")
	}
	return chatsync.Snapshot{}
}

func snapshot(path, value string) chatsync.Snapshot {
	return chatsync.Snapshot{Path: path, Value: json.RawMessage(value)}
}

func messageIDs(msgs []chatsync.Message) string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return strings.Join(ids, ",")
}

func childKeys(t *testing.T, snap chatsync.Snapshot) []string {
	t.Helper()
	children, err := snap.Children()
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lookupMap is a fixed ProfileLookup.
type lookupMap map[string]chatsync.UserProfile

func (m lookupMap) Get(uid string) (chatsync.UserProfile, bool) {
	p, ok := m[uid]
	return p, ok
}

// staticAuth is an Auth that is signed in as a fixed identity.
type staticAuth struct {
	id *chatsync.Identity
}

func (a *staticAuth) SignIn(context.Context, string, string) (*chatsync.Identity, error) {
	return a.id, nil
}
func (a *staticAuth) SignUp(context.Context, string, string) (*chatsync.Identity, error) {
	return a.id, nil
}
func (a *staticAuth) SignOut(context.Context) error               { a.id = nil; return nil }
func (a *staticAuth) CurrentIdentity() *chatsync.Identity         { return a.id }
func (a *staticAuth) Reauthenticate(context.Context, string) error { return nil }
func (a *staticAuth) UpdateEmail(context.Context, string) error    { return nil }
func (a *staticAuth) DeleteAccount(context.Context) error          { return nil }

// memObjects is an in-memory ObjectStorage.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memObjects) Upload(_ context.Context, p string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[p] = data
	m.types[p] = contentType
	return "https://cdn.test/users/" + p, nil
}

func (m *memObjects) Delete(_ context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, p)
	return nil
}

func (m *memObjects) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for p := range m.objects {
		if strings.HasPrefix(p, prefix+"/") {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memObjects) paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []string{}
	for p := range m.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
