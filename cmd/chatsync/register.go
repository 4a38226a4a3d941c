package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/wachat/chatsync"
)

var (
	registerName        string
	registerPhone       string
	registerAcceptTerms bool
)

func init() {
	registerCmd.Flags().StringVar(&registerName, "name", "", "Full name shown to other users")
	registerCmd.Flags().StringVar(&registerPhone, "phone", "", "Phone number")
	registerCmd.Flags().BoolVar(&registerAcceptTerms, "accept-terms", false, "Accept the terms and conditions")
	rootCmd.AddCommand(registerCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register <email>",
	Short: "Create an account",
	Long:  "Create an account on the configured relay, write its profile and remember the sign-in.",
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
		confirm, err := prompt("Confirm password: ")
		if err != nil {
			return err
		}
		form := chatsync.RegistrationForm{
			FullName:        registerName,
			Email:           args[0],
			PhoneNumber:     registerPhone,
			Password:        password,
			ConfirmPassword: confirm,
			AcceptTerms:     registerAcceptTerms,
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		id, err := s.client.Account().Register(ctx, form)
		if err != nil {
			return fmt.Errorf("registration failed: %w", userError(err))
		}
		if _, err := s.client.Account().SignIn(ctx, form.Email, password); err != nil {
			return fmt.Errorf("registered, but sign-in failed: %w", userError(err))
		}

		fmt.Println("Registration successful!")
		fmt.Printf("  User ID: %s\n", id.ID)
		fmt.Printf("  Email:   %s\n", id.Email)
		return nil
	},
}
