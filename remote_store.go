package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Wire Types
// ============================================================================

// Frame types exchanged with the relay.
const (
	FrameAuthenticated = "authenticated"
	FrameRead          = "read"
	FrameSubscribe     = "subscribe"
	FrameUnsubscribe   = "unsubscribe"
	FrameWrite         = "write"
	FrameUpdate        = "update"
	FrameDelete        = "delete"
	FramePing          = "ping"
	FrameAck           = "ack"
	FrameSnapshot      = "snapshot"
	FramePong          = "pong"
)

// maxFrameBytes bounds one frame; a snapshot carries a whole collection.
const maxFrameBytes = 16 << 20

// RealtimeEnvelope is the wire format of every frame.
type RealtimeEnvelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AuthenticatedPayload is the first frame sent by the relay.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// StoreCommandPayload carries a client command.
type StoreCommandPayload struct {
	Path   string                     `json:"path,omitempty"`
	SubID  string                     `json:"subId,omitempty"`
	Value  json.RawMessage            `json:"value,omitempty"`
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
}

// AckPayload answers a command. Error is set when the command failed.
type AckPayload struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// SnapshotPayload pushes the value of a subscribed path.
type SnapshotPayload struct {
	SubID string          `json:"subId"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

func envelope(typ, requestID string, payload any) (RealtimeEnvelope, error) {
	env := RealtimeEnvelope{Type: typ, RequestID: requestID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return env, err
		}
		env.Payload = data
	}
	return env, nil
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RemoteStore.
type RealtimeConfig struct {
	Token string
	// TokenSource, when set, is asked for a token on every (re)connect.
	TokenSource          func() string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	RequestTimeout       time.Duration
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

func (c *RealtimeConfig) token() string {
	if c.TokenSource != nil {
		return c.TokenSource()
	}
	return c.Token
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with jitter. A connection that lived for a minute
// resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RemoteStore
// ============================================================================

// RemoteStore is a RealtimeStore backed by a relay over a websocket.
//
// Subscriptions survive reconnects: they are replayed once the connection is
// back. Appends are echoed to local subscribers right away with the timestamp
// placeholder unresolved, so they show as pending until the relay confirms.
type RemoteStore struct {
	baseURL string
	config  *RealtimeConfig
	log     zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	recon            *reconnector
	cancelFn         context.CancelFunc
	userID           string

	counter   atomic.Int64
	pendingMu sync.Mutex
	pending   map[string]chan RealtimeEnvelope

	// subsMu also serializes deliveries to subscribers.
	subsMu sync.Mutex
	subs   map[string]*remoteSub
}

type remoteSub struct {
	id     string
	path   string
	label  string // path as given to Subscribe
	fn     func(Snapshot)
	server json.RawMessage
	echoes map[string]json.RawMessage
}

// NewRemoteStore creates a disconnected store for the relay at baseURL.
func NewRemoteStore(baseURL string, config *RealtimeConfig) *RemoteStore {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	return &RemoteStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  config,
		log:     *config.Logger,
		state:   StateDisconnected,
		recon:   newReconnector(config),
		pending: make(map[string]chan RealtimeEnvelope),
		subs:    make(map[string]*remoteSub),
	}
}

// State returns the current connection state.
func (rs *RemoteStore) State() RealtimeState {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state
}

// UserID returns the user the relay authenticated, once connected.
func (rs *RemoteStore) UserID() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.userID
}

// Connect dials the relay and waits for the authenticated frame.
func (rs *RemoteStore) Connect(ctx context.Context) error {
	rs.mu.Lock()
	if rs.state == StateConnected || rs.state == StateConnecting {
		rs.mu.Unlock()
		return nil
	}
	rs.state = StateConnecting
	rs.intentionalClose = false
	rs.mu.Unlock()

	if err := rs.dial(ctx); err != nil {
		rs.setState(StateDisconnected)
		return err
	}
	return nil
}

func (rs *RemoteStore) dial(ctx context.Context) error {
	u := wsURL(rs.baseURL) + "/ws?token=" + url.QueryEscape(rs.config.token())
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: rs.config.HTTPClient})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	var env RealtimeEnvelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read auth message: %w", err)
	}
	if env.Type != FrameAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("expected '%s', got '%s'", FrameAuthenticated, env.Type)
	}
	var auth AuthenticatedPayload
	_ = json.Unmarshal(env.Payload, &auth)

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rs.mu.Lock()
	rs.conn = conn
	rs.state = StateConnected
	rs.userID = auth.UserID
	rs.cancelFn = cancel
	rs.recon.markConnected()
	rs.mu.Unlock()

	rs.log.Info().Str("user", auth.UserID).Msg("realtime connected")

	go rs.readLoop(connCtx, conn)
	go rs.heartbeatLoop(connCtx)
	go rs.resubscribe(connCtx)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (rs *RemoteStore) Disconnect() error {
	rs.mu.Lock()
	rs.intentionalClose = true
	if rs.cancelFn != nil {
		rs.cancelFn()
		rs.cancelFn = nil
	}
	conn := rs.conn
	rs.conn = nil
	rs.state = StateDisconnected
	rs.recon.reset()
	rs.mu.Unlock()

	rs.failPending()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Ping sends a ping and waits for the pong.
func (rs *RemoteStore) Ping(ctx context.Context) error {
	_, err := rs.request(ctx, FramePing, nil)
	return err
}

// ============================================================================
// RealtimeStore
// ============================================================================

func (rs *RemoteStore) Read(ctx context.Context, path string) (Snapshot, error) {
	clean, err := cleanPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	ack, err := rs.request(ctx, FrameRead, StoreCommandPayload{Path: clean})
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Path: path, Value: orNull(ack.Value)}, nil
}

// Subscribe registers fn for path. While the store is reconnecting the
// subscription is queued and replayed on the next connection.
func (rs *RemoteStore) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (func(), error) {
	label := path
	path, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	sub := &remoteSub{id: NewPushKey(), path: path, label: label, fn: fn, echoes: map[string]json.RawMessage{}}
	rs.subsMu.Lock()
	rs.subs[sub.id] = sub
	rs.subsMu.Unlock()

	// registered before the state check so a concurrent resubscribe cannot miss it
	switch rs.State() {
	case StateDisconnected:
		rs.removeSub(sub.id)
		return nil, ErrNotConnected
	case StateConnected:
		if _, err := rs.request(ctx, FrameSubscribe, StoreCommandPayload{Path: path, SubID: sub.id}); err != nil && !errors.Is(err, ErrNotConnected) {
			rs.removeSub(sub.id)
			return nil, fmt.Errorf("subscribe %s: %w", path, err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rs.removeSub(sub.id)
			if rs.State() != StateConnected {
				return
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), rs.config.RequestTimeout)
				defer cancel()
				_, _ = rs.request(ctx, FrameUnsubscribe, StoreCommandPayload{SubID: sub.id})
			}()
		})
	}, nil
}

func (rs *RemoteStore) Write(ctx context.Context, path string, value any) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	_, err = rs.request(ctx, FrameWrite, StoreCommandPayload{Path: path, Value: raw})
	return err
}

// Append picks a time-ordered key on the client and writes value under it.
func (rs *RemoteStore) Append(ctx context.Context, path string, value any) (string, error) {
	path, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	key := NewPushKey()
	rs.echo(path, key, raw)
	if _, err := rs.request(ctx, FrameWrite, StoreCommandPayload{Path: joinPath(path, key), Value: raw}); err != nil {
		rs.echo(path, key, nil)
		return "", err
	}
	return key, nil
}

func (rs *RemoteStore) Update(ctx context.Context, path string, fields map[string]any) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}
	enc := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode field %q: %w", k, err)
		}
		enc[k] = raw
	}
	_, err = rs.request(ctx, FrameUpdate, StoreCommandPayload{Path: path, Fields: enc})
	return err
}

func (rs *RemoteStore) Delete(ctx context.Context, path string) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}
	_, err = rs.request(ctx, FrameDelete, StoreCommandPayload{Path: path})
	return err
}

// ============================================================================
// Requests
// ============================================================================

func (rs *RemoteStore) request(ctx context.Context, typ string, payload any) (*AckPayload, error) {
	rs.mu.Lock()
	conn := rs.conn
	rs.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	requestID := fmt.Sprintf("req-%d", rs.counter.Add(1))
	env, err := envelope(typ, requestID, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan RealtimeEnvelope, 1)
	rs.pendingMu.Lock()
	rs.pending[requestID] = ch
	rs.pendingMu.Unlock()
	defer func() {
		rs.pendingMu.Lock()
		delete(rs.pending, requestID)
		rs.pendingMu.Unlock()
	}()

	if err := wsjson.Write(ctx, conn, env); err != nil {
		return nil, fmt.Errorf("send %s: %w", typ, err)
	}

	timer := time.NewTimer(rs.config.RequestTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		var ack AckPayload
		if len(reply.Payload) > 0 {
			if err := json.Unmarshal(reply.Payload, &ack); err != nil {
				return nil, fmt.Errorf("decode %s reply: %w", typ, err)
			}
		}
		if ack.Error != "" {
			return nil, fmt.Errorf("relay %s: %s", typ, ack.Error)
		}
		return &ack, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s timeout", typ)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (rs *RemoteStore) failPending() {
	rs.pendingMu.Lock()
	for k, ch := range rs.pending {
		close(ch)
		delete(rs.pending, k)
	}
	rs.pendingMu.Unlock()
}

func (rs *RemoteStore) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var env RealtimeEnvelope
		err := wsjson.Read(ctx, conn, &env)
		if err != nil {
			rs.mu.Lock()
			intentional := rs.intentionalClose
			if rs.conn == conn {
				rs.conn = nil
				rs.state = StateDisconnected
			}
			if rs.cancelFn != nil {
				rs.cancelFn()
				rs.cancelFn = nil
			}
			rs.mu.Unlock()
			rs.failPending()
			if intentional {
				return
			}

			rs.log.Warn().Err(err).Msg("realtime connection lost")
			if rs.config.AutoReconnect {
				rs.scheduleReconnect(context.WithoutCancel(ctx))
			}
			return
		}

		switch env.Type {
		case FrameAck, FramePong:
			rs.pendingMu.Lock()
			ch, ok := rs.pending[env.RequestID]
			if ok {
				delete(rs.pending, env.RequestID)
			}
			rs.pendingMu.Unlock()
			if ok {
				ch <- env
			}
		case FrameSnapshot:
			var p SnapshotPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				rs.applyServerSnapshot(p)
			}
		}
	}
}

func (rs *RemoteStore) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rs.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rs.State() != StateConnected {
				return
			}
			if err := rs.Ping(ctx); err != nil {
				rs.mu.Lock()
				conn := rs.conn
				rs.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rs *RemoteStore) scheduleReconnect(ctx context.Context) {
	for {
		rs.mu.Lock()
		if rs.intentionalClose || !rs.recon.shouldReconnect() {
			rs.state = StateDisconnected
			rs.mu.Unlock()
			return
		}
		delay := rs.recon.nextDelay()
		attempt := rs.recon.attempt
		rs.state = StateReconnecting
		rs.mu.Unlock()

		rs.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("realtime reconnecting")
		time.Sleep(delay)

		rs.mu.Lock()
		stop := rs.intentionalClose
		rs.mu.Unlock()
		if stop {
			return
		}
		if err := rs.dial(ctx); err != nil {
			rs.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}
		return
	}
}

// resubscribe replays every registered subscription on a new connection.
func (rs *RemoteStore) resubscribe(ctx context.Context) {
	rs.subsMu.Lock()
	subs := make([]*remoteSub, 0, len(rs.subs))
	for _, s := range rs.subs {
		subs = append(subs, s)
	}
	rs.subsMu.Unlock()

	for _, s := range subs {
		if _, err := rs.request(ctx, FrameSubscribe, StoreCommandPayload{Path: s.path, SubID: s.id}); err != nil {
			rs.log.Warn().Err(err).Str("path", s.path).Msg("resubscribe failed")
		}
	}
}

func (rs *RemoteStore) setState(s RealtimeState) {
	rs.mu.Lock()
	rs.state = s
	rs.mu.Unlock()
}

// ============================================================================
// Local view
// ============================================================================

func (rs *RemoteStore) removeSub(id string) {
	rs.subsMu.Lock()
	delete(rs.subs, id)
	rs.subsMu.Unlock()
}

func (rs *RemoteStore) applyServerSnapshot(p SnapshotPayload) {
	rs.subsMu.Lock()
	defer rs.subsMu.Unlock()
	sub, ok := rs.subs[p.SubID]
	if !ok {
		return
	}
	sub.server = orNull(p.Value)
	if len(sub.echoes) > 0 {
		var confirmed map[string]json.RawMessage
		_ = json.Unmarshal(sub.server, &confirmed)
		for key := range sub.echoes {
			if _, ok := confirmed[key]; ok {
				delete(sub.echoes, key)
			}
		}
	}
	rs.deliverLocked(sub)
}

// echo adds (or with a nil value, withdraws) a local copy of an appended
// child for every subscriber of path that already has a server view.
func (rs *RemoteStore) echo(path, key string, value json.RawMessage) {
	rs.subsMu.Lock()
	defer rs.subsMu.Unlock()
	for _, sub := range rs.subs {
		if sub.path != path || sub.server == nil {
			continue
		}
		if value == nil {
			if _, ok := sub.echoes[key]; !ok {
				continue
			}
			delete(sub.echoes, key)
		} else {
			sub.echoes[key] = value
		}
		rs.deliverLocked(sub)
	}
}

func (rs *RemoteStore) deliverLocked(sub *remoteSub) {
	snap := Snapshot{Path: sub.label, Value: sub.server}
	if len(sub.echoes) > 0 {
		merged := map[string]json.RawMessage{}
		_ = json.Unmarshal(sub.server, &merged)
		if merged == nil {
			merged = map[string]json.RawMessage{}
		}
		for k, v := range sub.echoes {
			if _, ok := merged[k]; !ok {
				merged[k] = v
			}
		}
		if data, err := json.Marshal(merged); err == nil {
			snap.Value = data
		}
	}
	defer func() {
		if r := recover(); r != nil {
			rs.log.Error().Interface("panic", r).Str("path", sub.path).Msg("subscriber panicked")
		}
	}()
	sub.fn(snap)
}

func cleanPath(p string) (string, error) {
	segs, err := splitPath(p)
	if err != nil {
		return "", err
	}
	return strings.Join(segs, "/"), nil
}

func orNull(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("null")
	}
	return v
}
