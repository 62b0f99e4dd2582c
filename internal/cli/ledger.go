package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"OpenProof-Chain/sdk/go/openproof"
)

// NewInitializeCommand creates the initialize command.
func NewInitializeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "initialize",
		Short: "Create the logger counter account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := rootOpts.context(cmd)
			defer cancel()
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			receipt, err := c.Initialize(ctx)
			if err != nil {
				return err
			}
			return rootOpts.printer(cmd).emit(receipt, func(w io.Writer) { writeReceipt(w, receipt) })
		},
	}
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	var swap bool
	cmd := &cobra.Command{
		Use:   "log <key> <value>",
		Short: "Record a key/value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := rootOpts.context(cmd)
			defer cancel()
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			call := c.Log
			if swap {
				call = c.SwapAndLog
			}
			receipt, err := call(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return rootOpts.printer(cmd).emit(receipt, func(w io.Writer) { writeReceipt(w, receipt) })
		},
	}
	cmd.Flags().BoolVar(&swap, "swap", false, "call swap_and_log directly")
	return cmd
}

// NewNonceCommand creates the nonce command.
func NewNonceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "nonce",
		Short: "Show the logger counter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := rootOpts.context(cmd)
			defer cancel()
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			nonce, err := c.Nonce(ctx)
			if err != nil {
				return err
			}
			return rootOpts.printer(cmd).emit(nonce, func(w io.Writer) {
				if !nonce.Initialized {
					fmt.Fprintln(w, "counter not initialized")
					return
				}
				fmt.Fprintf(w, "nonce: %d\n", nonce.Nonce)
			})
		},
	}
}

// NewLoadProofCommand creates the load-proof command.
func NewLoadProofCommand(rootOpts *RootOptions) *cobra.Command {
	var chunks int
	cmd := &cobra.Command{
		Use:   "load-proof <proof|@file>",
		Short: "Upload a proof to the verifier cache in chunks",
		Long: `Upload a proof through the relay program.

The proof may be base64, 0x-prefixed hex or a JSON byte array. Prefix a
path with @ to read the proof from a file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proof, err := readArgument(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := rootOpts.context(cmd)
			defer cancel()
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			loaded, err := c.LoadProof(ctx, proof, chunks)
			if err != nil {
				return err
			}
			return rootOpts.printer(cmd).emit(loaded, func(w io.Writer) {
				fmt.Fprintf(w, "uploaded %d bytes in %d chunks\n", loaded.Bytes, loaded.Chunks)
				for _, tx := range loaded.Transactions {
					fmt.Fprintf(w, "  %s (slot %d)\n", tx.Signature, tx.Slot)
				}
			})
		},
	}
	cmd.Flags().IntVar(&chunks, "chunks", 4, "number of upload transactions")
	return cmd
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the uploaded proof",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := rootOpts.context(cmd)
			defer cancel()
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			validation, err := c.ValidateProof(ctx)
			if err != nil {
				return err
			}
			return rootOpts.printer(cmd).emit(validation, func(w io.Writer) {
				writeResult(w, validation.Result)
				writeReceipt(w, validation.Transaction)
			})
		},
	}
}

// NewTxCommand creates the tx command.
func NewTxCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tx <signature>",
		Short: "Show a committed transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := rootOpts.context(cmd)
			defer cancel()
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			receipt, err := c.Transaction(ctx, args[0])
			if err != nil {
				return err
			}
			return rootOpts.printer(cmd).emit(receipt, func(w io.Writer) { writeReceipt(w, receipt) })
		},
	}
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		signature string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List indexed key/value entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := rootOpts.context(cmd)
			defer cancel()
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			var events []openproof.Observation
			if signature != "" {
				events, err = c.EventsBySignature(ctx, signature)
			} else {
				events, err = c.Events(ctx, limit)
			}
			if err != nil {
				return err
			}
			return rootOpts.printer(cmd).emit(events, func(w io.Writer) {
				for _, e := range events {
					fmt.Fprintf(w, "slot=%d ix=%d %-7s %s=%s #%d", e.Slot, e.InstructionIndex, e.Variant, e.Key, e.Value, e.Nonce)
					if !e.Consistent {
						fmt.Fprintf(w, "  MISMATCH: %s", e.Mismatch)
					}
					fmt.Fprintln(w)
				}
			})
		},
	}
	cmd.Flags().StringVar(&signature, "signature", "", "only entries from this transaction")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	return cmd
}

// readArgument returns arg, or the trimmed content of the file when arg starts with @.
func readArgument(arg string) (string, error) {
	if !strings.HasPrefix(arg, "@") {
		return arg, nil
	}
	data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", arg[1:], err)
	}
	return strings.TrimSpace(string(data)), nil
}
