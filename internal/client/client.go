// Package client builds and submits the logger and relay transactions on
// behalf of one authority. It is shared by the HTTP API, the proof job
// executor and the command line tool.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/ledger"
	"OpenProof-Chain/internal/program/kvlogger"
	"OpenProof-Chain/internal/program/proofrelay"
	"OpenProof-Chain/internal/program/verifier"
	"OpenProof-Chain/internal/proof"
	"OpenProof-Chain/pkg/logger"
)

// DefaultChunks is how many load_proof transactions a proof is split across.
const DefaultChunks = 4

// Ledger is the part of the runtime the client depends on.
type Ledger interface {
	Execute(ctx context.Context, tx *ledger.Transaction) (*ledger.Receipt, error)
	Account(ctx context.Context, key solana.PublicKey) (*ledger.Account, error)
}

// Option customises a Client.
type Option func(*Client)

// WithLoggerProgram targets a logger deployed at id.
func WithLoggerProgram(id solana.PublicKey) Option {
	return func(c *Client) {
		if !id.IsZero() {
			c.loggerID = id
		}
	}
}

// WithRelayProgram targets a relay deployed at id.
func WithRelayProgram(id solana.PublicKey) Option {
	return func(c *Client) {
		if !id.IsZero() {
			c.relayID = id
		}
	}
}

// WithVerifier names the verifier account passed to the relay.
func WithVerifier(id solana.PublicKey) Option {
	return func(c *Client) {
		if !id.IsZero() {
			c.verifierID = id
		}
	}
}

// WithComputeUnitLimit sets the limit requested by every transaction.
func WithComputeUnitLimit(limit uint64) Option {
	return func(c *Client) {
		c.computeLimit = limit
	}
}

// WithLogger overrides the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client signs every transaction as authority. Relay calls are serialised
// because every upload of one authority lands in the same cache account.
type Client struct {
	relayMu      sync.Mutex
	ledger       Ledger
	authority    solana.PublicKey
	loggerID     solana.PublicKey
	relayID      solana.PublicKey
	verifierID   solana.PublicKey
	accounts     proofrelay.Accounts
	computeLimit uint64
	logger       *slog.Logger
}

// New derives the relay accounts for authority.
func New(l Ledger, authority solana.PublicKey, opts ...Option) (*Client, error) {
	if l == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "ledger is required")
	}
	if authority.IsZero() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "authority is required")
	}
	c := &Client{
		ledger:     l,
		authority:  authority,
		loggerID:   kvlogger.ProgramID,
		relayID:    proofrelay.ProgramID,
		verifierID: proofrelay.VerifierID,
		logger:     logger.Named("client"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	accounts, err := proofrelay.DefaultAccounts(authority)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "derive relay accounts")
	}
	c.accounts = accounts
	return c, nil
}

// Authority is the signer of every transaction.
func (c *Client) Authority() solana.PublicKey { return c.authority }

// LoggerProgram is the logger program id.
func (c *Client) LoggerProgram() solana.PublicKey { return c.loggerID }

// RelayProgram is the relay program id.
func (c *Client) RelayProgram() solana.PublicKey { return c.relayID }

// Accounts returns the relay accounts in use.
func (c *Client) Accounts() proofrelay.Accounts { return c.accounts }

// Submit runs instructions as one transaction signed by the authority.
func (c *Client) Submit(ctx context.Context, instructions ...solana.Instruction) (*ledger.Receipt, error) {
	return c.ledger.Execute(ctx, &ledger.Transaction{
		Instructions:     instructions,
		Signers:          []solana.PublicKey{c.authority},
		ComputeUnitLimit: c.computeLimit,
	})
}

// Initialize creates the counter record.
func (c *Client) Initialize(ctx context.Context) (*ledger.Receipt, error) {
	ix, err := kvlogger.NewInitializeInstruction(c.loggerID, c.authority)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, ix)
}

// Log records one key/value pair.
func (c *Client) Log(ctx context.Context, key, value string) (*ledger.Receipt, error) {
	ix, err := kvlogger.NewLogKeyValueInstruction(c.loggerID, c.authority, key, value)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, ix)
}

// SwapAndLog calls the swapped pass directly.
func (c *Client) SwapAndLog(ctx context.Context, key, value string) (*ledger.Receipt, error) {
	ix, err := kvlogger.NewSwapAndLogInstruction(c.loggerID, c.authority, key, value)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, ix)
}

// Nonce reads the committed counter. A missing record reads as zero.
func (c *Client) Nonce(ctx context.Context) (uint64, bool, error) {
	addr, _, err := kvlogger.CounterAddress(c.loggerID)
	if err != nil {
		return 0, false, err
	}
	acc, err := c.ledger.Account(ctx, addr)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	state, err := kvlogger.DecodeCounter(acc.Data)
	if err != nil {
		return 0, true, err
	}
	return state.Nonce, true, nil
}

// SplitChunks cuts data into at most n pieces of ceil(len/n) bytes.
func SplitChunks(data []byte, n int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if n <= 0 {
		n = DefaultChunks
	}
	size := (len(data) + n - 1) / n
	chunks := make([][]byte, 0, n)
	for start := 0; start < len(data); start += size {
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// LoadProof uploads data in chunks, one load_proof transaction per chunk, in order.
// Chunks are appended to whatever the cache already holds.
// On failure the receipts of the chunks already committed are returned with the error.
func (c *Client) LoadProof(ctx context.Context, data []byte, chunks int) ([]*ledger.Receipt, error) {
	c.relayMu.Lock()
	defer c.relayMu.Unlock()
	return c.loadProof(ctx, data, chunks)
}

func (c *Client) loadProof(ctx context.Context, data []byte, chunks int) ([]*ledger.Receipt, error) {
	parts := SplitChunks(data, chunks)
	if len(parts) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "proof is empty")
	}
	receipts := make([]*ledger.Receipt, 0, len(parts))
	for i, part := range parts {
		ix, err := proofrelay.NewLoadProofInstruction(c.relayID, c.verifierID, c.accounts, part)
		if err != nil {
			return receipts, err
		}
		receipt, err := c.Submit(ctx, ix)
		if err != nil {
			return receipts, fmt.Errorf("load chunk %d/%d: %w", i+1, len(parts), err)
		}
		c.logger.Debug("证明分片已上传", "chunk", i+1, "chunks", len(parts), "bytes", len(part), "signature", receipt.Signature.String())
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

// Validation is the outcome of a validate_proof transaction.
type Validation struct {
	Receipt *ledger.Receipt
	Result  proof.Result
}

// ValidateProof asks the relay to validate the cached proof and decodes the
// verifier's answer from the transaction's return data.
func (c *Client) ValidateProof(ctx context.Context) (*Validation, error) {
	c.relayMu.Lock()
	defer c.relayMu.Unlock()
	return c.validateProof(ctx)
}

func (c *Client) validateProof(ctx context.Context) (*Validation, error) {
	ix, err := proofrelay.NewValidateProofInstruction(c.relayID, c.verifierID, c.accounts)
	if err != nil {
		return nil, err
	}
	receipt, err := c.Submit(ctx, ix)
	if err != nil {
		return nil, err
	}
	if receipt.ReturnData == nil {
		return nil, xerrors.New(proofrelay.CodeMissingReturn, "validate_proof committed without return data")
	}
	result, err := proof.Decode(receipt.ReturnData.Data)
	if err != nil {
		return nil, err
	}
	return &Validation{Receipt: receipt, Result: result}, nil
}

// CachedBytes reports how many proof bytes wait in the authority's cache.
func (c *Client) CachedBytes(ctx context.Context) (int, error) {
	acc, err := c.ledger.Account(ctx, c.accounts.Cache)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return 0, nil
		}
		return 0, err
	}
	cache, err := verifier.DecodeCache(acc.Data)
	if err != nil {
		return 0, err
	}
	return len(cache.Proof), nil
}

// LoadAndValidate uploads data into an empty cache and validates it while
// holding the relay lock. Bytes left by an earlier interrupted upload are
// flushed through validate_proof first and their result is discarded.
func (c *Client) LoadAndValidate(ctx context.Context, data []byte, chunks int) (*Validation, error) {
	c.relayMu.Lock()
	defer c.relayMu.Unlock()

	stale, err := c.CachedBytes(ctx)
	if err != nil {
		return nil, err
	}
	if stale > 0 {
		c.logger.Warn("清理残留证明缓存", "bytes", stale, "cache", c.accounts.Cache.String())
		if _, err := c.validateProof(ctx); err != nil {
			return nil, fmt.Errorf("flush stale proof cache: %w", err)
		}
	}
	if _, err := c.loadProof(ctx, data, chunks); err != nil {
		return nil, err
	}
	return c.validateProof(ctx)
}
