package chatsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// RealtimeStore is a hierarchical JSON store with push subscriptions.
//
// Subscribe delivers the full current value at path right away and again after
// every change at, above or below it. The returned func removes the listener;
// it is idempotent and safe to call after the store has shut down. Listener
// callbacks run on store goroutines and must not block.
type RealtimeStore interface {
	Read(ctx context.Context, path string) (Snapshot, error)
	Subscribe(ctx context.Context, path string, fn func(Snapshot)) (func(), error)
	Write(ctx context.Context, path string, value any) error
	Append(ctx context.Context, path string, value any) (string, error)
	Update(ctx context.Context, path string, fields map[string]any) error
	Delete(ctx context.Context, path string) error
}

// ServerTimestamp is a placeholder value that the store replaces with its own
// clock, in milliseconds since the epoch, when the write is applied.
var ServerTimestamp = map[string]any{".sv": "timestamp"}

// NewPushKey returns a new append key. Keys sort in creation order.
func NewPushKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// normalizeValue converts an arbitrary Go value to the generic JSON tree
// (map[string]any, []any, float64, string, bool, nil).
func normalizeValue(v any) (any, error) {
	if raw, ok := v.(json.RawMessage); ok {
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
		return out, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}

func isServerTimestamp(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return false
	}
	return m[".sv"] == "timestamp"
}

// resolveSentinels replaces every ServerTimestamp placeholder in v with now.
func resolveSentinels(v any, nowMillis int64) any {
	switch t := v.(type) {
	case map[string]any:
		if isServerTimestamp(t) {
			return float64(nowMillis)
		}
		for k, child := range t {
			t[k] = resolveSentinels(child, nowMillis)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = resolveSentinels(child, nowMillis)
		}
		return t
	default:
		return v
	}
}

// pruneEmpty drops empty objects so that "no children" and "absent" read the same.
func pruneEmpty(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		child = pruneEmpty(child)
		if child == nil {
			delete(m, k)
			continue
		}
		m[k] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
