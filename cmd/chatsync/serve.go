package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/wachat/chatsync"
)

var serveListen string

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Address to listen on; overrides server.listen")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Long:  "Serve the realtime store, auth and photo storage over HTTP and websockets.\nWith server.mongodb_uri set, the store is loaded from and saved to MongoDB.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.defaults()
		log := newLogger(cfg)
		if serveListen != "" {
			cfg.Server.Listen = serveListen
		}
		if cfg.Server.Secret == "" {
			return errors.New("server.secret is not set; run 'chatsync config set server.secret <value>'")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		storeOpts := []chatsync.MemoryStoreOption{
			chatsync.WithStoreLogger(log.With().Str("component", "store").Logger()),
		}
		var persister *chatsync.MongoPersister
		if cfg.Server.MongoURI != "" {
			connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			persister, err = chatsync.NewMongoPersister(connectCtx, cfg.Server.MongoURI, cfg.Server.MongoDatabase)
			cancel()
			if err != nil {
				return fmt.Errorf("cannot connect to mongodb: %w", err)
			}
			defer persister.Close(context.Background())
			storeOpts = append(storeOpts, chatsync.WithPersister(persister))
		}

		store := chatsync.NewMemoryStore(storeOpts...)
		defer store.Close()
		if persister != nil {
			loadCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
			err := store.Load(loadCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("cannot load store: %w", err)
			}
			log.Info().Str("database", cfg.Server.MongoDatabase).Msg("store loaded")
		}

		authLog := log.With().Str("component", "auth").Logger()
		auth, err := chatsync.NewAuthService(chatsync.AuthServiceConfig{
			Secret:   cfg.Server.Secret,
			TokenTTL: time.Duration(cfg.Server.TokenTTLMinutes) * time.Minute,
			Logger:   &authLog,
		})
		if err != nil {
			return err
		}
		defer auth.Close()

		relayOpts := []chatsync.RelayOption{chatsync.WithRelayLogger(log.With().Str("component", "relay").Logger())}
		if cfg.Server.StorageKey != "" {
			relayOpts = append(relayOpts, chatsync.WithStorageKey(cfg.Server.StorageKey))
		}
		relay := chatsync.NewRelay(store, auth, relayOpts...)

		srv := &http.Server{
			Addr:              cfg.Server.Listen,
			Handler:           relay,
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("relay listening")
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("relay stopped: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		log.Info().Int("connections", relay.Connections()).Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		relay.CloseConnections()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}
