package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"
)

// KeyOutput is printed by keygen and address.
type KeyOutput struct {
	Address string `json:"address"`
	Path    string `json:"path,omitempty"`
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen <path>",
		Short: "Write a new authority keypair in solana-keygen format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			wallet := solana.NewWallet()
			if err := writeKeypair(path, wallet.PrivateKey); err != nil {
				return err
			}
			pub := wallet.PublicKey()
			result := KeyOutput{Address: base58.Encode(pub[:]), Path: path}
			return rootOpts.printer(cmd).emit(result, func(w io.Writer) {
				fmt.Fprintf(w, "wrote %s\naddress: %s\n", result.Path, result.Address)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// NewAddressCommand creates the address command.
func NewAddressCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "address <keypair>",
		Short: "Print the address of a solana-keygen keypair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := solana.PrivateKeyFromSolanaKeygenFile(args[0])
			if err != nil {
				return err
			}
			pub := key.PublicKey()
			result := KeyOutput{Address: base58.Encode(pub[:])}
			return rootOpts.printer(cmd).emit(result, func(w io.Writer) {
				fmt.Fprintln(w, result.Address)
			})
		},
	}
}

// writeKeypair stores key as a JSON array of bytes.
func writeKeypair(path string, key solana.PrivateKey) error {
	if len(key) != 64 {
		return errors.New("keypair must be 64 bytes")
	}
	values := make([]int, len(key))
	for i, b := range key {
		values[i] = int(b)
	}
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
