package main

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shineum/pdfzip/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize read-only access to a Gmail account",
	Long: `Print the Google consent URL, then read back the authorization code (or the
whole URL the browser was redirected to) and store the refresh token in the
system keyring.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openLocal()
		if err != nil {
			return err
		}
		defer a.Close()

		o, err := a.newOAuth()
		if err != nil {
			return err
		}

		state := uuid.NewString()
		fmt.Println("Open this URL in a browser and approve access:")
		fmt.Println()
		fmt.Println("  " + o.AuthCodeURL(state))
		fmt.Println()
		fmt.Print("Paste the code or the redirected URL: ")

		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading authorization code: %w", err)
		}
		code, err := parseAuthCode(strings.TrimSpace(line), state)
		if err != nil {
			return err
		}

		if err := o.Exchange(cmd.Context(), code); err != nil {
			return err
		}
		fmt.Println(ui.Success("Logged in. Run `pdfzip connect` to check the account."))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored refresh token and cached access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openLocal()
		if err != nil {
			return err
		}
		defer a.Close()

		o, err := a.newOAuth()
		if err != nil {
			return err
		}
		if err := o.Logout(cmd.Context()); err != nil {
			return err
		}
		fmt.Println(ui.Success("Logged out."))
		return nil
	},
}

// parseAuthCode accepts either a bare authorization code or the redirect
// URL carrying it, in which case the state parameter must match.
func parseAuthCode(input, wantState string) (string, error) {
	if input == "" {
		return "", errors.New("no authorization code given")
	}
	if !strings.Contains(input, "code=") {
		return input, nil
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parsing redirect URL: %w", err)
	}
	q := u.Query()
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("authorization denied: %s", e)
	}
	if got := q.Get("state"); got != "" && got != wantState {
		return "", errors.New("state mismatch in redirect URL")
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("redirect URL has no code parameter")
	}
	return code, nil
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
