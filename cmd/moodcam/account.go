package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/moodcam/internal/authclient"
	"github.com/example/moodcam/internal/session"
)

var password string

var signupCmd = &cobra.Command{
	Use:   "signup <username>",
	Short: "Register a new account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := resolvePassword(cmd)
		if err != nil {
			return err
		}
		if err := api.Signup(cmd.Context(), args[0], pw); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "User registered successfully")
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and store the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := resolvePassword(cmd)
		if err != nil {
			return err
		}
		token, err := api.Login(cmd.Context(), args[0], pw)
		if err != nil {
			if errors.Is(err, authclient.ErrUnauthorized) {
				return errors.New("incorrect username or password")
			}
			return err
		}
		if err := sessions.Save(cmd.Context(), session.Identity{Token: token, Username: args[0]}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", args[0])
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := sessions.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile [username]",
	Short: "Show the last stored emotion for a user",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := requireIdentity(cmd.Context())
		if err != nil {
			return err
		}
		username := id.Username
		if len(args) == 1 {
			username = args[0]
		}
		profile, err := api.Profile(cmd.Context(), id.Token, username)
		switch {
		case errors.Is(err, authclient.ErrUnauthorized):
			return errors.New("session expired; log in again")
		case errors.Is(err, authclient.ErrNotFound):
			return fmt.Errorf("user %q not found", username)
		case err != nil:
			return err
		}
		printProfile(cmd.OutOrStdout(), profile)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{signupCmd, loginCmd} {
		c.Flags().StringVarP(&password, "password", "p", "", "Password (read from stdin when omitted)")
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(logoutCmd, profileCmd)
}

func resolvePassword(cmd *cobra.Command) (string, error) {
	if password != "" {
		return password, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("password is required")
	}
	return pw, nil
}

func printProfile(w io.Writer, p authclient.Profile) {
	emotionText := "Not detected"
	if p.Emotion != nil && *p.Emotion != "" {
		emotionText = *p.Emotion
	}
	updated := "Not available"
	if p.EmotionTimestamp != nil {
		updated = p.EmotionTimestamp.Local().Format(time.RFC1123)
	}
	fmt.Fprintf(w, "Username:    %s\n", p.Username)
	fmt.Fprintf(w, "Emotion:     %s\n", emotionText)
	fmt.Fprintf(w, "Last update: %s\n", updated)
}
