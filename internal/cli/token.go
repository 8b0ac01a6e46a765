package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"appdeploy/internal/apiserver/auth"
)

func newTokenCommand(opts *Options) *cobra.Command {
	var subject, role string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API access token signed with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			cfg := auth.FromAppConfig(e.cfg.Auth)
			if !cfg.Enabled() {
				return fmt.Errorf("JWT_SECRET is not set, the API server accepts requests without a token")
			}
			token, err := auth.GenerateAccessToken(cfg, subject, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "deployctl", "Token subject")
	cmd.Flags().StringVar(&role, "role", "operator", "Token role claim")
	return cmd
}
