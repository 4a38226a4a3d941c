package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/wachat/chatsync"
)

var usersJSON bool

func init() {
	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "Output JSON")
	rootCmd.AddCommand(usersCmd)
}

var usersCmd = &cobra.Command{
	Use:   "users [query]",
	Short: "List the other users",
	Long:  "List every registered user except yourself, sorted by name.\nA query filters names case-insensitively.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if _, err := s.restore(ctx); err != nil {
			return err
		}
		if err := s.loadDirectory(ctx); err != nil {
			return err
		}

		query := ""
		if len(args) == 1 {
			query = args[0]
		}
		users := s.client.Users(query)

		if usersJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(users)
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("  %-28s %-24s %s\n", u.UID, u.DisplayName(), u.Email)
		}
		return nil
	},
}

// loadDirectory starts the client and waits for the first users snapshot.
func (s *session) loadDirectory(ctx context.Context) error {
	if err := s.client.Start(ctx); err != nil {
		return fmt.Errorf("cannot load users: %w", err)
	}
	select {
	case <-s.client.Directory().Ready():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out loading users: %w", ctx.Err())
	}
}

// resolveUser accepts a uid or an email address.
func (s *session) resolveUser(ref string) (chatsync.UserProfile, error) {
	if p, ok := s.client.Directory().Get(ref); ok {
		return p, nil
	}
	for _, p := range s.client.Directory().All() {
		if strings.EqualFold(p.Email, ref) {
			return p, nil
		}
	}
	return chatsync.UserProfile{}, errors.New("no user with id or email " + ref)
}
