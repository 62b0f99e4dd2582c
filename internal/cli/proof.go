package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"OpenProof-Chain/internal/evm"
	"OpenProof-Chain/internal/polymer"
)

// ProofOutput is printed by request-proof.
type ProofOutput struct {
	JobID string `json:"job_id"`
	Proof string `json:"proof"`
	Bytes int    `json:"bytes"`
}

// EVMOutput is printed by validate-evm.
type EVMOutput struct {
	ChainID   uint32         `json:"chain_id"`
	ProgramID string         `json:"program_id"`
	Program   string         `json:"program"`
	Logs      []string       `json:"logs"`
	KeyValues []evm.KeyValue `json:"key_values"`
}

// NewRequestProofCommand creates the request-proof command.
func NewRequestProofCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		cfg     polymer.Config
		req     polymer.ProofRequest
		out     string
		maxWait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "request-proof <tx-signature>",
		Short: "Request a proof from the proof service and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.APIKey == "" {
				cfg.APIKey = os.Getenv("POLYMER_API_KEY")
			}
			cfg.Policy = polymer.DefaultPolicy()
			req.TxSignature = args[0]

			ctx, cancel := context.WithTimeout(cmd.Context(), maxWait)
			defer cancel()
			client, err := polymer.Dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			jobID, proof, err := client.Fetch(ctx, req)
			if err != nil {
				return err
			}
			raw, err := polymer.DecodeProof(proof)
			if err != nil {
				return err
			}
			if out != "" {
				if err := os.WriteFile(out, []byte(proof), 0o600); err != nil {
					return err
				}
			}
			result := ProofOutput{JobID: string(jobID), Proof: proof, Bytes: len(raw)}
			return rootOpts.printer(cmd).emit(result, func(w io.Writer) {
				fmt.Fprintf(w, "job %s: %d byte proof\n", result.JobID, result.Bytes)
				if out != "" {
					fmt.Fprintf(w, "written to %s\n", out)
					return
				}
				fmt.Fprintln(w, result.Proof)
			})
		},
	}
	cmd.Flags().StringVar(&cfg.URL, "polymer-url", envOr("POLYMER_URL", "https://api.testnet.polymer.zone"), "proof service JSON-RPC endpoint")
	cmd.Flags().StringVar(&cfg.APIKey, "api-key", "", "proof service API key (default $POLYMER_API_KEY)")
	cmd.Flags().StringVar(&req.ProgramID, "program", "", "program that emitted the logs")
	cmd.Flags().Uint64Var(&req.SrcChainID, "src-chain", polymer.SolanaChainID, "source chain id")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the base64 proof to this file")
	cmd.Flags().DurationVar(&maxWait, "max-wait", 5*time.Minute, "give up after this long")
	_ = cmd.MarkFlagRequired("program")
	return cmd
}

// NewValidateEVMCommand creates the validate-evm command.
func NewValidateEVMCommand(rootOpts *RootOptions) *cobra.Command {
	var cfg evm.Config
	cmd := &cobra.Command{
		Use:   "validate-evm <proof|@file>",
		Short: "Check a proof with the EVM prover contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readArgument(args[0])
			if err != nil {
				return err
			}
			proof, err := evm.ParseProof(input)
			if err != nil {
				return err
			}
			cfg.Timeout = rootOpts.Timeout

			ctx, cancel := rootOpts.context(cmd)
			defer cancel()
			client, err := evm.Dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			logs, err := client.ValidateSolLogs(ctx, proof)
			if err != nil {
				return err
			}
			result := EVMOutput{
				ChainID:   logs.ChainID,
				ProgramID: logs.ProgramIDHex(),
				Program:   logs.ProgramKey().String(),
				Logs:      logs.Logs,
				KeyValues: logs.KeyValues(),
			}
			return rootOpts.printer(cmd).emit(result, func(w io.Writer) {
				fmt.Fprintf(w, "chain %d, program %s\n", result.ChainID, result.Program)
				for _, line := range result.Logs {
					fmt.Fprintf(w, "  %s\n", line)
				}
				for _, kv := range result.KeyValues {
					fmt.Fprintf(w, "key=%s value=%s nonce=%d\n", kv.Key, kv.Value, kv.Nonce)
				}
			})
		},
	}
	cmd.Flags().StringVar(&cfg.RPCURL, "rpc-url", os.Getenv("EVM_RPC_URL"), "EVM JSON-RPC endpoint")
	cmd.Flags().StringVar(&cfg.ProverAddress, "prover", os.Getenv("PROVER_ADDRESS"), "prover contract address")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
