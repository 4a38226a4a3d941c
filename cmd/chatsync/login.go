package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and remember the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		password, err := prompt("Password: ")
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		id, err := s.client.Account().SignIn(ctx, args[0], password)
		if err != nil {
			return fmt.Errorf("sign-in failed: %w", userError(err))
		}
		fmt.Printf("Signed in as %s (%s)\n", id.Email, id.ID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the saved session",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.client.Account().SignOut(context.Background()); err != nil {
			return err
		}
		fmt.Println("Signed out.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		fmt.Println("Configuration:")
		fmt.Printf("  Relay:   %s\n", s.cfg.Client.RelayURL)
		fmt.Printf("  Bucket:  %s\n", s.cfg.Client.Bucket)
		fmt.Printf("  Session: %s\n", s.cfg.Client.Session)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Account:")
		id, err := s.restore(ctx)
		if err != nil {
			fmt.Printf("  %v\n", err)
			return nil
		}
		fmt.Printf("  User ID: %s\n", id.ID)
		fmt.Printf("  Email:   %s\n", id.Email)
		if err := s.store.Ping(ctx); err != nil {
			fmt.Printf("  Relay:   unreachable (%v)\n", err)
		} else {
			fmt.Printf("  Relay:   %s\n", s.store.State())
		}
		return nil
	},
}
