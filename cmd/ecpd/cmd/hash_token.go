package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codedeck/ecpd/internal/domain/auth"
)

var hashTokenSHA256 bool

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Hash a token for the auth.token_hash config field",
	Long: `Hash an authentication token for storage in config.

By default the token is hashed with argon2id and printed in PHC string
format. Pass --sha256 for the cheaper "sha256:<hex>" format.

Example:
  ecpd hash-token "my-secret-token"

Security note: The token will appear in shell history.
Consider using an environment variable:
  ecpd hash-token "$ECPD_TOKEN"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if hashTokenSHA256 {
			fmt.Println("sha256:" + auth.HashToken(args[0]))
			return nil
		}
		hash, err := auth.HashTokenArgon2id(args[0])
		if err != nil {
			return fmt.Errorf("failed to hash token: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	hashTokenCmd.Flags().BoolVar(&hashTokenSHA256, "sha256", false, "use sha256 instead of argon2id")
	rootCmd.AddCommand(hashTokenCmd)
}
