// Package pipeline executes proof jobs: it requests a proof for a committed
// transaction, optionally checks it against the EVM prover contract, and
// replays it through the on-ledger relay.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gagliardetto/solana-go"

	"OpenProof-Chain/internal/client"
	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/evm"
	"OpenProof-Chain/internal/observability/metrics"
	"OpenProof-Chain/internal/polymer"
	"OpenProof-Chain/internal/task"
	"OpenProof-Chain/pkg/logger"
)

// CodeProgramMismatch marks a proof whose logs belong to another program.
const CodeProgramMismatch xerrors.Code = "PROOF_PROGRAM_MISMATCH"

func init() {
	xerrors.Register(CodeProgramMismatch, xerrors.Attributes{
		Message:  "proof was generated for a different program",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// ProofSource produces a base64 proof for a transaction.
type ProofSource interface {
	Fetch(ctx context.Context, req polymer.ProofRequest) (polymer.JobID, string, error)
}

// EVMValidator checks a proof against the prover contract.
type EVMValidator interface {
	ValidateSolLogs(ctx context.Context, proof []byte) (*evm.SolLogs, error)
}

// Relay uploads a proof into an empty cache and validates it as one step.
type Relay interface {
	LoadAndValidate(ctx context.Context, data []byte, chunks int) (*client.Validation, error)
}

// Option customises an Executor.
type Option func(*Executor)

// WithEVM enables the EVM check.
func WithEVM(v EVMValidator) Option {
	return func(e *Executor) {
		e.evm = v
	}
}

// WithRelay enables on-ledger validation.
func WithRelay(r Relay, chunks int) Option {
	return func(e *Executor) {
		e.relay = r
		if chunks > 0 {
			e.chunks = chunks
		}
	}
}

// WithLogger overrides the executor logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// Executor implements task.Executor.
type Executor struct {
	source ProofSource
	evm    EVMValidator
	relay  Relay
	chunks int
	logger *slog.Logger
}

var _ task.Executor = (*Executor)(nil)

// New builds an executor around source.
func New(source ProofSource, opts ...Option) *Executor {
	e := &Executor{source: source, chunks: client.DefaultChunks, logger: logger.Named("pipeline")}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute runs one job.
func (e *Executor) Execute(ctx context.Context, t *task.Task) (*task.ExecutionResult, error) {
	if e.source == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "proof source is not configured")
	}
	jobID, encoded, err := e.source.Fetch(ctx, polymer.ProofRequest{
		SrcChainID:  t.SrcChainID,
		TxSignature: t.TxSignature,
		ProgramID:   t.ProgramID,
	})
	if err != nil {
		return nil, err
	}
	raw, err := polymer.DecodeProof(encoded)
	if err != nil {
		return nil, err
	}
	result := &task.ExecutionResult{PolymerJobID: string(jobID), Proof: encoded}
	var summary []string

	if e.evm != nil {
		logs, err := e.evm.ValidateSolLogs(ctx, raw)
		if err != nil {
			metrics.ObserveValidation("evm_error")
			return nil, err
		}
		if err := checkProgram(logs, t.ProgramID); err != nil {
			metrics.ObserveValidation("evm_mismatch")
			return nil, err
		}
		metrics.ObserveValidation("evm_valid")
		summary = append(summary, describeLogs(logs))
		result.Valid = true
	}

	if e.relay != nil {
		validation, err := e.relay.LoadAndValidate(ctx, raw, e.chunks)
		if err != nil {
			metrics.ObserveValidation("ledger_error")
			return nil, err
		}
		result.ValidationTx = validation.Receipt.Signature.String()
		result.Valid = validation.Result.IsValid()
		if result.Valid {
			metrics.ObserveValidation("ledger_valid")
			summary = append(summary, "ledger: "+validation.Result.Valid.Summary())
		} else {
			metrics.ObserveValidation("ledger_rejected")
			summary = append(summary, fmt.Sprintf("ledger: %s (%s)", validation.Result.Kind, validation.Result.Description()))
		}
	}

	result.Summary = strings.Join(summary, "; ")
	e.logger.Info("证明任务执行完成",
		"task_id", t.ID,
		"polymer_job_id", result.PolymerJobID,
		"validation_tx", result.ValidationTx,
		"valid", result.Valid,
	)
	return result, nil
}

func checkProgram(logs *evm.SolLogs, programID string) error {
	want, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return xerrors.Wrap(task.CodeTaskValidation, err, "invalid program id")
	}
	if got := logs.ProgramKey(); !got.Equals(want) {
		return xerrors.New(CodeProgramMismatch, fmt.Sprintf("proof covers program %s, expected %s", got, want))
	}
	return nil
}

func describeLogs(logs *evm.SolLogs) string {
	kvs := logs.KeyValues()
	parts := make([]string, len(kvs))
	for i, kv := range kvs {
		parts[i] = fmt.Sprintf("%s=%s#%d", kv.Key, kv.Value, kv.Nonce)
	}
	return fmt.Sprintf("evm: chain_id=%d program=%s logs=%d kv=[%s]",
		logs.ChainID, logs.ProgramKey(), len(logs.Logs), strings.Join(parts, ", "))
}
