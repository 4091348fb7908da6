package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/memtrigger/internal/secret"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Seal values for use in the config file",
	Long: `Sealed values start with "` + secret.Prefix + `" and may be used for embedder.api_key
and store.dsn. The key comes from ` + secret.KeyEnv + `, or from this machine
when it is unset.`,
}

var secretSealCmd = &cobra.Command{
	Use:   "seal [value]",
	Short: "Encrypt a value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		box, err := secret.FromEnv()
		if err != nil {
			return err
		}
		sealed, err := box.Seal(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

var secretCheckCmd = &cobra.Command{
	Use:   "check [sealed]",
	Short: "Verify that a sealed value opens with the current key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		box, err := secret.FromEnv()
		if err != nil {
			return err
		}
		plain, err := box.Open(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok: %s\n", secret.Mask(plain))
		return nil
	},
}

func init() {
	RootCmd.AddCommand(secretCmd)
	secretCmd.AddCommand(secretSealCmd)
	secretCmd.AddCommand(secretCheckCmd)
}
