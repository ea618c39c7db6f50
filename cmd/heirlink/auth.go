package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	heirlink "github.com/heirlink/heirlink/sdk/golang"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email> <password>",
	Short: "Sign in and store the session locally",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		user, err := s.app.Session.Login(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		printSignedIn(cmd, user, "Signed in")
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <email> <username> <password>",
	Short: "Create an account and sign in",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		user, err := s.app.Session.Register(ctx, args[0], args[1], args[2])
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		printSignedIn(cmd, user, "Registration successful")
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the session and clear local credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		if err := s.app.Logout(ctx); err != nil {
			return fmt.Errorf("logout failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
		return nil
	},
}

func printSignedIn(cmd *cobra.Command, user *heirlink.User, headline string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s!\n", headline)
	if user == nil {
		return
	}
	fmt.Fprintf(out, "  User ID:  %s\n", user.ID)
	fmt.Fprintf(out, "  Username: %s\n", user.Username)
	if user.Email != "" {
		fmt.Fprintf(out, "  Email:    %s\n", user.Email)
	}
}
