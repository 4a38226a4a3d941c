package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	chatsync "github.com/wachat/chatsync"
)

// ============================================================================
// Logging
// ============================================================================

// newLogger builds the console logger. The --log-level flag wins over config.
func newLogger(cfg *Config) zerolog.Logger {
	level := cfg.Log.Level
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

// ============================================================================
// Session
// ============================================================================

// session is a client connected to the relay on behalf of one user.
type session struct {
	cfg    *Config
	log    zerolog.Logger
	auth   *chatsync.RemoteAuth
	store  *chatsync.RemoteStore
	kv     chatsync.KeyValueStore
	client *chatsync.Client
}

// newSession wires a client against the configured relay. Nothing is dialed
// until the first store call.
func newSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.defaults()
	log := newLogger(cfg)

	kv, err := openKV(cfg)
	if err != nil {
		return nil, err
	}

	auth := chatsync.NewRemoteAuth(cfg.Client.RelayURL, nil)
	store := chatsync.NewRemoteStore(cfg.Client.RelayURL, &chatsync.RealtimeConfig{
		TokenSource:   auth.Token,
		AutoReconnect: true,
		Logger:        &log,
	})

	var storageOpts []chatsync.StorageOption
	if cfg.Client.StorageKey != "" {
		storageOpts = append(storageOpts, chatsync.WithStorageAPIKey(cfg.Client.StorageKey))
	}
	storage := chatsync.NewStorageClient(cfg.Client.RelayURL, cfg.Client.Bucket, storageOpts...)

	client := chatsync.NewClient(connectingStore{store}, auth,
		chatsync.WithLogger(log),
		chatsync.WithObjectStorage(storage),
		chatsync.WithKeyValueStore(kv),
	)
	return &session{cfg: cfg, log: log, auth: auth, store: store, kv: kv, client: client}, nil
}

// openKV returns where sign-in credentials are remembered.
func openKV(cfg *Config) (chatsync.KeyValueStore, error) {
	if cfg.Client.Session == "redis" {
		if cfg.Client.RedisAddr == "" {
			return nil, errors.New("client.session is redis but client.redis_addr is not set")
		}
		kv, err := chatsync.DialRedisKV(cfg.Client.RedisAddr, cfg.Client.RedisPassword, cfg.Client.RedisDB, "chatsync:")
		if err != nil {
			return nil, fmt.Errorf("cannot connect to redis: %w", err)
		}
		return kv, nil
	}
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	return chatsync.NewFileKV(filepath.Join(dir, "session.toml")), nil
}

// restore signs in with the remembered credentials and connects.
func (s *session) restore(ctx context.Context) (*chatsync.Identity, error) {
	id, ok, err := s.client.Account().RestoreSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot restore session: %s", chatsync.UserMessage(err))
	}
	if !ok {
		return nil, errors.New("not signed in; run 'chatsync login <email>' first")
	}
	if err := s.store.Connect(ctx); err != nil {
		return nil, fmt.Errorf("cannot reach relay: %w", err)
	}
	return id, nil
}

func (s *session) Close() {
	s.client.Close()
	_ = s.store.Disconnect()
	if c, ok := s.kv.(io.Closer); ok {
		_ = c.Close()
	}
}

// connectingStore dials the relay on first use, once a token is available.
// Registration needs this: the account exists only after sign-up.
type connectingStore struct {
	*chatsync.RemoteStore
}

func (s connectingStore) ensure(ctx context.Context) error {
	if s.State() != chatsync.StateDisconnected {
		return nil
	}
	return s.Connect(ctx)
}

func (s connectingStore) Read(ctx context.Context, path string) (chatsync.Snapshot, error) {
	if err := s.ensure(ctx); err != nil {
		return chatsync.Snapshot{}, err
	}
	return s.RemoteStore.Read(ctx, path)
}

func (s connectingStore) Subscribe(ctx context.Context, path string, fn func(chatsync.Snapshot)) (func(), error) {
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	return s.RemoteStore.Subscribe(ctx, path, fn)
}

func (s connectingStore) Write(ctx context.Context, path string, value any) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	return s.RemoteStore.Write(ctx, path, value)
}

func (s connectingStore) Append(ctx context.Context, path string, value any) (string, error) {
	if err := s.ensure(ctx); err != nil {
		return "", err
	}
	return s.RemoteStore.Append(ctx, path, value)
}

func (s connectingStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	return s.RemoteStore.Update(ctx, path, fields)
}

func (s connectingStore) Delete(ctx context.Context, path string) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	return s.RemoteStore.Delete(ctx, path)
}

// ============================================================================
// Prompts
// ============================================================================

var stdin = bufio.NewReader(os.Stdin)

// prompt prints label and reads one line from stdin.
func prompt(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := stdin.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// passwordPrompt asks for the password when a sensitive operation needs a
// recent sign-in.
func passwordPrompt() chatsync.Reauthenticator {
	return chatsync.ReauthFunc(func(context.Context) (string, error) {
		return prompt("Password: ")
	})
}

// userError turns auth and validation failures into the text shown to the user.
func userError(err error) error {
	var fe chatsync.FieldErrors
	if errors.As(err, &fe) {
		return fe
	}
	if chatsync.ErrorCode(err) != "" {
		return errors.New(chatsync.UserMessage(err))
	}
	return err
}
