package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/msageha/bestbefore/internal/daemon"
	"github.com/msageha/bestbefore/internal/uds"
)

func (c *cli) loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <access-token|->",
		Short: "Sign in with an access token issued by the hosted backend ('-' reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			return callAndPrint(c, cmd, uds.CmdLogin, uds.LoginParams{Token: token}, func(w io.Writer, s daemon.SessionResult) {
				who := s.UserID
				if s.Email != "" {
					who = s.Email
				}
				fmt.Fprintf(w, "Signed in as %s\n", who)
				if s.ExpiresAt != "" {
					fmt.Fprintf(w, "Session expires %s\n", s.ExpiresAt)
				}
			})
		},
	}
}

// readToken accepts the token itself, "-" for stdin, or @path for a file.
func readToken(stdin io.Reader, arg string) (string, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case arg == "-":
		data, err = io.ReadAll(stdin)
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(arg[1:])
	default:
		data = []byte(arg)
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	return token, nil
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return callAndPrint(c, cmd, uds.CmdLogout, nil, func(w io.Writer, _ map[string]string) {
				fmt.Fprintln(w, "Signed out")
			})
		},
	}
}
