package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulseiq/portal/internal/platform/apiclient"
	"github.com/pulseiq/portal/internal/platform/auth"
	"github.com/pulseiq/portal/pkg/portalmodels"
)

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and remember the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			identifier, _ := cmd.Flags().GetString("identifier")
			password, _ := cmd.Flags().GetString("password")

			in := bufio.NewReader(cmd.InOrStdin())
			if identifier == "" {
				if identifier, err = prompt(cmd.OutOrStdout(), in, "Email, phone or username: "); err != nil {
					return err
				}
			}
			if password == "" {
				if password, err = prompt(cmd.OutOrStdout(), in, "Password: "); err != nil {
					return err
				}
			}
			if identifier == "" || password == "" {
				return errors.New("identifier and password are required")
			}

			resp, err := a.client.Login(cmd.Context(), identifier, password)
			if err != nil {
				return errors.New(apiclient.ErrorMessage(err, "login failed"))
			}
			if resp.Status == portalmodels.UserStatusPending {
				return errors.New("account is awaiting admin approval")
			}
			if resp.Status == portalmodels.UserStatusRejected {
				return errors.New("account registration was rejected")
			}

			sess, err := auth.SessionFromLogin(resp, []byte(a.cfg.AuthJWTSecret))
			if err != nil {
				return fmt.Errorf("read token: %w", err)
			}
			if err := a.sessions.Save(cmd.Context(), sess); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n", displayName(sess), sess.Role)
			return nil
		},
	}
	cmd.Flags().String("identifier", "", "Email, phone number or username")
	cmd.Flags().String("password", "", "Password (prompted when empty)")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			if err := a.sessions.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			sess, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User:    %s\n", displayName(sess))
			fmt.Fprintf(out, "ID:      %s\n", sess.UserID)
			fmt.Fprintf(out, "Role:    %s\n", sess.Role)
			if !sess.ExpiresAt.IsZero() {
				fmt.Fprintf(out, "Expires: %s\n", sess.ExpiresAt.Local().Format(time.RFC1123))
			}
			return nil
		},
	}
}

func displayName(sess *auth.Session) string {
	switch {
	case sess.Name != "":
		return sess.Name
	case sess.Email != "":
		return sess.Email
	}
	return sess.UserID
}

func prompt(w io.Writer, in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(w, label)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
