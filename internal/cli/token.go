package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/gopherchat/internal/auth"
)

func newTokenCommand(a *app) *cobra.Command {
	var userID uint64
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token signed with the server secret",
		Example: `  JWT_SECRET=dev-secret-change-me gopherchat token --user 1
  export GOPHERCHAT_TOKEN=$(gopherchat token --user 1)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := a.v.GetString("jwt_secret")
			if secret == "" {
				return errors.New("jwt secret is empty")
			}
			if userID == 0 {
				return errors.New("--user is required")
			}
			tok, err := auth.SignJWT(secret, userID, ttl)
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&userID, "user", 0, "User id to put in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.Flags().String("secret", "dev-secret-change-me", "Signing secret (env JWT_SECRET)")
	_ = a.v.BindPFlag("jwt_secret", cmd.Flags().Lookup("secret"))
	_ = a.v.BindEnv("jwt_secret", "JWT_SECRET")
	return cmd
}
