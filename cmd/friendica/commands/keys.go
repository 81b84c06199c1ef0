package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/friendica/friendica-go/internal/crypto"
)

// NewKeysCommand creates the keys command.
func NewKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage RSA keys",
	}

	cmd.AddCommand(newKeysGenerateCommand())
	return cmd
}

func newKeysGenerateCommand() *cobra.Command {
	var bits int

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a PEM encoded key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := crypto.NewKeypair(bits)
			if err != nil {
				return fmt.Errorf("failed to generate the key pair: %w", err)
			}

			fmt.Fprint(cmd.OutOrStdout(), kp.PrivateKey)
			fmt.Fprint(cmd.OutOrStdout(), kp.PublicKey)
			return nil
		},
	}

	cmd.Flags().IntVar(&bits, "bits", 4096, "Key size in bits")

	return cmd
}
