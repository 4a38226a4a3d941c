package chatsync

import (
	"testing"
	"time"
)

func TestSplitPath(t *testing.T) {
	segs, err := splitPath("/messages/u2_u1/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(segs) != 2 || segs[0] != "messages" || segs[1] != "u2_u1" {
		t.Fatalf("unexpected segments %v", segs)
	}
	for _, bad := range []string{"", "a//b", "a.b", "a$", "a[0]", "#"} {
		if _, err := splitPath(bad); err != ErrInvalidPath {
			t.Fatalf("splitPath(%q): expected ErrInvalidPath, got %v", bad, err)
		}
	}
}

func TestIsRelatedPath(t *testing.T) {
	tests := []struct {
		watched, changed string
		want             bool
	}{
		{"users", "users", true},
		{"users", "users/u1", true},
		{"users/u1", "users", true},
		{"users", "usersX/u1", false},
		{"users/u1", "users/u2", false},
		{"messages/a", "groupMessages/a", false},
	}
	for _, tt := range tests {
		if got := isRelatedPath(tt.watched, tt.changed); got != tt.want {
			t.Fatalf("isRelatedPath(%q, %q): expected %v, got %v", tt.watched, tt.changed, tt.want, got)
		}
	}
}

func TestResolveSentinels(t *testing.T) {
	v, err := normalizeValue(map[string]any{
		"timestamp": ServerTimestamp,
		"nested":    map[string]any{"at": ServerTimestamp, "keep": "x"},
		"list":      []any{ServerTimestamp},
	})
	if err != nil {
		t.Fatalf("normalizeValue: %v", err)
	}
	out := resolveSentinels(v, 42).(map[string]any)
	if out["timestamp"] != float64(42) {
		t.Fatalf("expected 42, got %v", out["timestamp"])
	}
	nested := out["nested"].(map[string]any)
	if nested["at"] != float64(42) || nested["keep"] != "x" {
		t.Fatalf("unexpected nested value %v", nested)
	}
	if out["list"].([]any)[0] != float64(42) {
		t.Fatalf("unexpected list value %v", out["list"])
	}
}

func TestPruneEmpty(t *testing.T) {
	v := pruneEmpty(map[string]any{"a": map[string]any{}, "b": map[string]any{"c": map[string]any{}}, "d": 1.0})
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 || m["d"] != 1.0 {
		t.Fatalf("expected only d to remain, got %v", v)
	}
	if pruneEmpty(map[string]any{"a": map[string]any{}}) != nil {
		t.Fatal("expected fully empty tree to prune to nil")
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		raw  string
		want int64
		ok   bool
	}{
		{`1700000000000`, 1700000000000, true},
		{`1.5e3`, 1500, true},
		{`{".sv":"timestamp"}`, 0, false},
		{`"123"`, 0, false},
		{`null`, 0, false},
		{``, 0, false},
	}
	for _, tt := range tests {
		got, ok := parseTimestamp([]byte(tt.raw))
		if got != tt.want || ok != tt.ok {
			t.Fatalf("parseTimestamp(%s): expected (%d, %v), got (%d, %v)", tt.raw, tt.want, tt.ok, got, ok)
		}
	}
}

func TestReconnectorDelay(t *testing.T) {
	cfg := &RealtimeConfig{ReconnectBaseDelay: 100 * time.Millisecond, ReconnectMaxDelay: 1 * time.Second, MaxReconnectAttempts: 3}
	cfg.defaults()
	r := newReconnector(cfg)

	for i, lo := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond} {
		if !r.shouldReconnect() {
			t.Fatalf("attempt %d: expected reconnect allowed", i)
		}
		d := r.nextDelay()
		if d < lo || d > lo+50*time.Millisecond {
			t.Fatalf("attempt %d: expected delay in [%v, %v], got %v", i, lo, lo+50*time.Millisecond, d)
		}
	}
	if r.shouldReconnect() {
		t.Fatal("expected attempts exhausted")
	}

	for i := 0; i < 5; i++ {
		r.nextDelay()
	}
	if d := r.nextDelay(); d != time.Second {
		t.Fatalf("expected delay capped at 1s, got %v", d)
	}

	r.reset()
	if !r.shouldReconnect() {
		t.Fatal("expected reset to allow reconnecting")
	}

	unlimited := newReconnector(&RealtimeConfig{MaxReconnectAttempts: -1})
	unlimited.attempt = 1000
	if !unlimited.shouldReconnect() {
		t.Fatal("expected negative max attempts to mean unlimited")
	}
}

func TestLimiterStore(t *testing.T) {
	s := newLimiterStore(1, 2, time.Hour)
	defer s.stop()

	if !s.allow("a") || !s.allow("a") {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if s.allow("a") {
		t.Fatal("expected third request to be throttled")
	}
	if !s.allow("b") {
		t.Fatal("expected other key to have its own bucket")
	}
	s.stop()
}
