package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Relay
// ============================================================================

// Relay serves a MemoryStore, an AuthService and an object store over HTTP:
//
//	GET  /ws                                    realtime store (token query or bearer)
//	POST /auth/v1/signup, /auth/v1/token        create account, sign in
//	POST /auth/v1/reauthenticate                refresh sign-in time
//	PUT  /auth/v1/user, DELETE /auth/v1/user    change email, delete account
//	/storage/v1/object/...                      object upload, list, delete, public read
type Relay struct {
	store      *MemoryStore
	auth       *AuthService
	objects    *objectStore
	storageKey string
	outbound   int
	maxUpload  int64
	log        zerolog.Logger
	router     *mux.Router

	connsMu sync.Mutex
	conns   map[*relayConn]struct{}
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayLogger sets the relay logger.
func WithRelayLogger(l zerolog.Logger) RelayOption {
	return func(r *Relay) { r.log = l }
}

// WithStorageKey requires storage requests to carry key in the apikey header.
func WithStorageKey(key string) RelayOption {
	return func(r *Relay) { r.storageKey = key }
}

// WithOutboundBuffer sets how many frames may queue for one connection before
// it is dropped as too slow.
func WithOutboundBuffer(n int) RelayOption {
	return func(r *Relay) { r.outbound = n }
}

// NewRelay wires the routes.
func NewRelay(store *MemoryStore, auth *AuthService, opts ...RelayOption) *Relay {
	r := &Relay{
		store:     store,
		auth:      auth,
		objects:   newObjectStore(),
		outbound:  256,
		maxUpload: 10 << 20,
		log:       zerolog.Nop(),
		conns:     map[*relayConn]struct{}{},
	}
	for _, opt := range opts {
		opt(r)
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", r.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ws", r.handleWS).Methods(http.MethodGet)

	router.HandleFunc("/auth/v1/signup", r.handleSignUp).Methods(http.MethodPost)
	router.HandleFunc("/auth/v1/token", r.handleSignIn).Methods(http.MethodPost)
	router.HandleFunc("/auth/v1/reauthenticate", r.handleReauthenticate).Methods(http.MethodPost)
	router.HandleFunc("/auth/v1/user", r.handleUpdateUser).Methods(http.MethodPut)
	router.HandleFunc("/auth/v1/user", r.handleDeleteUser).Methods(http.MethodDelete)

	storage := router.PathPrefix("/storage/v1/object").Subrouter()
	storage.HandleFunc("/list/{bucket}", r.withStorageKey(r.handleListObjects)).Methods(http.MethodPost)
	storage.HandleFunc("/public/{bucket}/{path:.+}", r.handlePublicObject).Methods(http.MethodGet)
	storage.HandleFunc("/{bucket}", r.withStorageKey(r.handleRemoveObjects)).Methods(http.MethodDelete)
	storage.HandleFunc("/{bucket}/{path:.+}", r.withStorageKey(r.handleUpload)).Methods(http.MethodPost, http.MethodPut)

	r.router = router
	return r
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}

func (r *Relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": r.Connections()})
}

// Connections returns the number of live realtime connections.
func (r *Relay) Connections() int {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	return len(r.conns)
}

// CloseConnections drops every realtime connection. http.Server.Shutdown
// does not wait for hijacked connections, so call this when shutting down.
func (r *Relay) CloseConnections() {
	r.closeWhere(func(*relayConn) bool { return true })
}

func (r *Relay) closeWhere(match func(*relayConn) bool) int {
	r.connsMu.Lock()
	var victims []*relayConn
	for c := range r.conns {
		if match(c) {
			victims = append(victims, c)
		}
	}
	r.connsMu.Unlock()
	for _, c := range victims {
		c.cancel()
	}
	return len(victims)
}

// ============================================================================
// Auth routes
// ============================================================================

func (r *Relay) handleSignUp(w http.ResponseWriter, req *http.Request) {
	var body credentialsRequest
	if !decodeBody(w, req, &body) {
		return
	}
	id, err := r.auth.SignUp(body.Email, body.Password)
	if err != nil {
		r.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (r *Relay) handleSignIn(w http.ResponseWriter, req *http.Request) {
	var body credentialsRequest
	if !decodeBody(w, req, &body) {
		return
	}
	id, err := r.auth.SignIn(body.Email, body.Password)
	if err != nil {
		r.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (r *Relay) handleReauthenticate(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if !decodeBody(w, req, &body) {
		return
	}
	id, err := r.auth.Reauthenticate(bearerToken(req), body.Password)
	if err != nil {
		r.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (r *Relay) handleUpdateUser(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if !decodeBody(w, req, &body) {
		return
	}
	id, err := r.auth.UpdateEmail(bearerToken(req), body.Email)
	if err != nil {
		r.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (r *Relay) handleDeleteUser(w http.ResponseWriter, req *http.Request) {
	token := bearerToken(req)
	claims, err := r.auth.VerifyToken(token)
	if err != nil {
		r.writeAuthError(w, err)
		return
	}
	if err := r.auth.DeleteAccount(token); err != nil {
		r.writeAuthError(w, err)
		return
	}
	if n := r.closeWhere(func(c *relayConn) bool { return c.userID == claims.Subject }); n > 0 {
		r.log.Info().Str("user", claims.Subject).Int("connections", n).Msg("dropped connections of deleted account")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Relay) writeAuthError(w http.ResponseWriter, err error) {
	var ae *AuthError
	if !errors.As(err, &ae) {
		r.log.Error().Err(err).Msg("auth request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	status := http.StatusBadRequest
	switch ae.Code {
	case CodeInvalidToken, CodeRequiresRecentLogin:
		status = http.StatusUnauthorized
	case CodeTooManyRequests:
		status = http.StatusTooManyRequests
	case CodeUserNotFound:
		status = http.StatusNotFound
	}
	writeJSON(w, status, ae)
}

func decodeBody(w http.ResponseWriter, req *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(req.Body, 1<<20)).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// ============================================================================
// Storage routes
// ============================================================================

type storedObject struct {
	data         []byte
	contentType  string
	cacheControl string
	updatedAt    time.Time
}

type objectStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]storedObject
}

func newObjectStore() *objectStore {
	return &objectStore{buckets: map[string]map[string]storedObject{}}
}

func (s *objectStore) put(bucket, path string, obj storedObject, upsert bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = map[string]storedObject{}
		s.buckets[bucket] = b
	}
	if _, exists := b[path]; exists && !upsert {
		return false
	}
	b[path] = obj
	return true
}

func (s *objectStore) get(bucket, path string) (storedObject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.buckets[bucket][path]
	return obj, ok
}

func (s *objectStore) remove(bucket string, paths []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for _, p := range paths {
		p = strings.Trim(p, "/")
		if _, ok := s.buckets[bucket][p]; ok {
			delete(s.buckets[bucket], p)
			removed = append(removed, p)
		}
	}
	return removed
}

// list returns the names directly under the folder prefix.
func (s *objectStore) list(bucket, prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix = strings.Trim(prefix, "/")
	var names []string
	for p := range s.buckets[bucket] {
		rest := p
		if prefix != "" {
			if !strings.HasPrefix(p, prefix+"/") {
				continue
			}
			rest = strings.TrimPrefix(p, prefix+"/")
		}
		if strings.Contains(rest, "/") {
			continue
		}
		names = append(names, rest)
	}
	sort.Strings(names)
	return names
}

func (r *Relay) withStorageKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.storageKey != "" && req.Header.Get("apikey") != r.storageKey {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		next(w, req)
	}
}

func (r *Relay) handleUpload(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	bucket, path := vars["bucket"], strings.Trim(vars["path"], "/")
	data, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxUpload))
	if err != nil {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	obj := storedObject{
		data:         data,
		contentType:  req.Header.Get("Content-Type"),
		cacheControl: req.Header.Get("Cache-Control"),
		updatedAt:    time.Now().UTC(),
	}
	upsert := req.Method == http.MethodPut || req.Header.Get("x-upsert") == "true"
	if !r.objects.put(bucket, path, obj, upsert) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "Duplicate", "message": "The resource already exists"})
		return
	}
	r.log.Debug().Str("bucket", bucket).Str("path", path).Int("bytes", len(data)).Msg("object stored")
	writeJSON(w, http.StatusOK, map[string]string{"Key": bucket + "/" + path})
}

func (r *Relay) handlePublicObject(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	obj, ok := r.objects.get(vars["bucket"], strings.Trim(vars["path"], "/"))
	if !ok {
		http.NotFound(w, req)
		return
	}
	if obj.contentType != "" {
		w.Header().Set("Content-Type", obj.contentType)
	}
	if obj.cacheControl != "" {
		w.Header().Set("Cache-Control", obj.cacheControl)
	}
	_, _ = w.Write(obj.data)
}

func (r *Relay) handleRemoveObjects(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Prefixes []string `json:"prefixes"`
	}
	if !decodeBody(w, req, &body) {
		return
	}
	removed := r.objects.remove(mux.Vars(req)["bucket"], body.Prefixes)
	out := make([]storageObject, 0, len(removed))
	for _, p := range removed {
		out = append(out, storageObject{Name: p})
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Relay) handleListObjects(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Prefix string `json:"prefix"`
		Limit  int    `json:"limit"`
		Offset int    `json:"offset"`
	}
	if !decodeBody(w, req, &body) {
		return
	}
	names := r.objects.list(mux.Vars(req)["bucket"], body.Prefix)
	if body.Offset > 0 {
		if body.Offset >= len(names) {
			names = nil
		} else {
			names = names[body.Offset:]
		}
	}
	if body.Limit > 0 && len(names) > body.Limit {
		names = names[:body.Limit]
	}
	out := make([]storageObject, 0, len(names))
	for _, n := range names {
		out = append(out, storageObject{Name: n})
	}
	writeJSON(w, http.StatusOK, out)
}

// ============================================================================
// Realtime connections
// ============================================================================

func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	token := req.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(req)
	}
	claims, err := r.auth.VerifyToken(token)
	if err != nil {
		r.writeAuthError(w, err)
		return
	}

	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		r.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(req.Context())
	c := &relayConn{
		relay:  r,
		conn:   conn,
		userID: claims.Subject,
		out:    make(chan RealtimeEnvelope, r.outbound),
		cancel: cancel,
		subs:   map[string]func(){},
		log:    r.log.With().Str("user", claims.Subject).Logger(),
	}

	r.connsMu.Lock()
	r.conns[c] = struct{}{}
	r.connsMu.Unlock()
	defer func() {
		r.connsMu.Lock()
		delete(r.conns, c)
		r.connsMu.Unlock()
	}()

	c.serve(ctx)
}

type relayConn struct {
	relay  *Relay
	conn   *websocket.Conn
	userID string
	out    chan RealtimeEnvelope
	cancel context.CancelFunc
	log    zerolog.Logger

	mu   sync.Mutex
	subs map[string]func()
}

func (c *relayConn) serve(ctx context.Context) {
	c.log.Info().Msg("realtime client connected")
	defer c.cleanup()

	go c.writeLoop(ctx)

	hello, _ := envelope(FrameAuthenticated, "", AuthenticatedPayload{UserID: c.userID})
	c.enqueue(hello)

	for {
		var env RealtimeEnvelope
		if err := wsjson.Read(ctx, c.conn, &env); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				c.log.Debug().Err(err).Msg("realtime read ended")
			}
			return
		}
		c.handle(ctx, env)
	}
}

func (c *relayConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.out:
			if err := wsjson.Write(ctx, c.conn, env); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// enqueue never blocks: store callbacks call it. A client that cannot keep up
// is disconnected and will resubscribe after reconnecting.
func (c *relayConn) enqueue(env RealtimeEnvelope) {
	select {
	case c.out <- env:
	default:
		c.log.Warn().Msg("realtime client too slow, dropping connection")
		c.cancel()
	}
}

func (c *relayConn) cleanup() {
	c.mu.Lock()
	subs := c.subs
	c.subs = map[string]func(){}
	c.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "")
	c.log.Info().Int("subscriptions", len(subs)).Msg("realtime client disconnected")
}

func (c *relayConn) handle(ctx context.Context, env RealtimeEnvelope) {
	var p StoreCommandPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.ack(env.RequestID, nil, fmt.Errorf("invalid payload: %w", err))
			return
		}
	}

	store := c.relay.store
	switch env.Type {
	case FramePing:
		pong, _ := envelope(FramePong, env.RequestID, nil)
		c.enqueue(pong)
	case FrameRead:
		snap, err := store.Read(ctx, p.Path)
		c.ack(env.RequestID, snap.Value, err)
	case FrameSubscribe:
		c.ack(env.RequestID, nil, c.subscribe(ctx, p.SubID, p.Path))
	case FrameUnsubscribe:
		c.unsubscribe(p.SubID)
		c.ack(env.RequestID, nil, nil)
	case FrameWrite:
		c.ack(env.RequestID, nil, store.Write(ctx, p.Path, orNull(p.Value)))
	case FrameUpdate:
		fields := make(map[string]any, len(p.Fields))
		for k, v := range p.Fields {
			fields[k] = orNull(v)
		}
		c.ack(env.RequestID, nil, store.Update(ctx, p.Path, fields))
	case FrameDelete:
		c.ack(env.RequestID, nil, store.Delete(ctx, p.Path))
	default:
		c.ack(env.RequestID, nil, fmt.Errorf("unknown command %q", env.Type))
	}
}

func (c *relayConn) subscribe(ctx context.Context, subID, path string) error {
	if subID == "" {
		return errors.New("subId is required")
	}
	c.unsubscribe(subID)
	unsub, err := c.relay.store.Subscribe(ctx, path, func(s Snapshot) {
		env, err := envelope(FrameSnapshot, "", SnapshotPayload{SubID: subID, Path: s.Path, Value: s.Value})
		if err == nil {
			c.enqueue(env)
		}
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[subID] = unsub
	c.mu.Unlock()
	return nil
}

func (c *relayConn) unsubscribe(subID string) {
	c.mu.Lock()
	unsub, ok := c.subs[subID]
	delete(c.subs, subID)
	c.mu.Unlock()
	if ok {
		unsub()
	}
}

func (c *relayConn) ack(requestID string, value json.RawMessage, err error) {
	p := AckPayload{Value: value}
	if err != nil {
		p.Error = err.Error()
	}
	env, encErr := envelope(FrameAck, requestID, p)
	if encErr != nil {
		c.log.Error().Err(encErr).Msg("encode ack")
		return
	}
	c.enqueue(env)
}
