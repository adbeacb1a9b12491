package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/psantana5/spotguard/pkg/auth"
)

var tokenHashCmd = &cobra.Command{
	Use:   "hash-token",
	Short: "Hash a status server token for METRICS_TOKEN_HASH",
	Long: `Read a token from stdin and print its bcrypt hash. Configure the hash as
METRICS_TOKEN_HASH so the plain token never has to be stored with the job.

Example:
  openssl rand -base64 32 | tee token.txt | spotguard hash-token`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read token: %w", err)
		}
		hash, err := auth.HashToken(strings.TrimSpace(line))
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenHashCmd)
}
