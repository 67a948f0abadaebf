package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/mechanic-dispatch/internal/auth"
)

type TokenOptions struct {
	*RootOptions
	Role string
	TTL  time.Duration
}

func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint a signed access token",
		Example: `  dispatchctl token M1 --role mechanic --secret dev
  dispatchctl token U1 --secret dev --ttl 1h`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := mintToken(opts.Secret, args[0], opts.Role, opts.TTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Role, "role", auth.RoleUser, "token role (user|mechanic)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")

	return cmd
}

func mintToken(secret, subject, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("--secret is required to mint tokens")
	}
	if role != auth.RoleUser && role != auth.RoleMechanic {
		return "", fmt.Errorf("invalid role %q: must be user or mechanic", role)
	}
	return auth.NewVerifier(secret).Issue(subject, role, ttl)
}
