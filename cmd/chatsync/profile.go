package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/wachat/chatsync"
)

var (
	profileEditName  string
	profileEditEmail string
	profileEditPhone string
	profileDeleteYes bool
)

func init() {
	profileEditCmd.Flags().StringVar(&profileEditName, "name", "", "New full name")
	profileEditCmd.Flags().StringVar(&profileEditEmail, "email", "", "New email address")
	profileEditCmd.Flags().StringVar(&profileEditPhone, "phone", "", "New phone number")
	profileDeleteCmd.Flags().BoolVar(&profileDeleteYes, "yes", false, "Do not ask for confirmation")

	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileEditCmd)
	profileCmd.AddCommand(profilePhotoCmd)
	profileCmd.AddCommand(profileDeleteCmd)
	rootCmd.AddCommand(profileCmd)
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "View or change your profile",
}

// ============================================================================
// profile show
// ============================================================================

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show your profile",
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

		p, err := s.client.Account().Profile(ctx)
		if err != nil {
			return fmt.Errorf("cannot read profile: %w", err)
		}
		fmt.Printf("User ID:  %s\n", p.UID)
		fmt.Printf("Name:     %s\n", p.FullName)
		fmt.Printf("Email:    %s\n", p.Email)
		fmt.Printf("Phone:    %s\n", p.PhoneNumber)
		fmt.Printf("Photo:    %s\n", valueOrDefault(p.Photo(), "(none)"))
		if p.CreatedAt != "" {
			fmt.Printf("Joined:   %s\n", p.CreatedAt)
		}
		return nil
	},
}

// ============================================================================
// profile edit
// ============================================================================

var profileEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Change your name, email or phone number",
	Long:  "Change profile fields. Fields not given keep their value.\nChanging the email may ask for your password again.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := s.restore(ctx); err != nil {
			return err
		}

		cur, err := s.client.Account().Profile(ctx)
		if err != nil {
			return fmt.Errorf("cannot read profile: %w", err)
		}
		edit := chatsync.ProfileEdit{FullName: cur.FullName, Email: cur.Email, PhoneNumber: cur.PhoneNumber}
		if cmd.Flags().Changed("name") {
			edit.FullName = profileEditName
		}
		if cmd.Flags().Changed("email") {
			edit.Email = profileEditEmail
		}
		if cmd.Flags().Changed("phone") {
			edit.PhoneNumber = profileEditPhone
		}

		if err := s.client.Account().UpdateProfile(ctx, edit, passwordPrompt()); err != nil {
			return fmt.Errorf("profile update failed: %w", userError(err))
		}
		if !strings.EqualFold(edit.Email, cur.Email) {
			// the remembered sign-in still names the old address
			if _, ok, _ := s.kv.Get(chatsync.KeyUserPassword); ok {
				_ = s.kv.Set(chatsync.KeyUserEmail, strings.TrimSpace(edit.Email))
			}
		}
		fmt.Println("Profile updated.")
		return nil
	},
}

// ============================================================================
// profile photo
// ============================================================================

var profilePhotoCmd = &cobra.Command{
	Use:   "photo <file>",
	Short: "Upload a new profile photo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("cannot read photo: %w", err)
		}

		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := s.restore(ctx); err != nil {
			return err
		}

		url, err := s.client.Account().UploadPhoto(ctx, data, chatsync.PhotoExt(args[0]))
		if err != nil {
			return fmt.Errorf("photo upload failed: %w", userError(err))
		}
		fmt.Printf("Photo uploaded: %s\n", url)
		return nil
	},
}

// ============================================================================
// profile delete
// ============================================================================

var profileDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete your account",
	Long:  "Delete your photos, profile and account. Asks for your password.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !profileDeleteYes {
			answer, err := prompt("Delete your account permanently? [y/N] ")
			if err != nil {
				return err
			}
			if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
				fmt.Println("Cancelled.")
				return nil
			}
		}

		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := s.restore(ctx); err != nil {
			return err
		}

		if err := s.client.Account().DeleteAccount(ctx, passwordPrompt()); err != nil {
			return fmt.Errorf("account deletion failed: %w", userError(err))
		}
		fmt.Println("Account deleted.")
		return nil
	},
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
