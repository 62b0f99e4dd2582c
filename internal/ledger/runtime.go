package ledger

import (
	"context"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/pkg/logger"
)

// Program is an on-ledger handler registered with the runtime.
type Program interface {
	ProgramID() solana.PublicKey
	Process(ic *InvokeContext, data []byte) error
}

// Transaction is an ordered list of instructions executed as one atomic unit.
type Transaction struct {
	Instructions     []solana.Instruction
	Signers          []solana.PublicKey
	ComputeUnitLimit uint64
}

// ReturnData is the last payload a program placed on the return-data side channel.
type ReturnData struct {
	ProgramID solana.PublicKey
	Data      []byte
}

// Receipt describes a committed transaction.
type Receipt struct {
	Signature    solana.Signature
	Slot         uint64
	BlockTime    time.Time
	Logs         []string
	ComputeUnits uint64
	ReturnData   *ReturnData
}

// Observer is notified after every executed transaction. Receipt is nil when err is set.
type Observer func(receipt *Receipt, err error)

// Option customises a Runtime.
type Option func(*Runtime)

// WithHistoryCapacity bounds how many receipts are kept for lookup.
func WithHistoryCapacity(capacity int) Option {
	return func(r *Runtime) {
		if capacity > 0 {
			r.history = newHistory(capacity)
		}
	}
}

// WithObserver registers a callback invoked after each transaction.
func WithObserver(observer Observer) Option {
	return func(r *Runtime) {
		if observer != nil {
			r.observers = append(r.observers, observer)
		}
	}
}

// WithLogger overrides the runtime logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithComputeUnitLimit sets the limit for transactions that do not request one.
func WithComputeUnitLimit(limit uint64) Option {
	return func(r *Runtime) {
		if limit > 0 {
			r.computeLimit = limit
		}
	}
}

// Runtime executes transactions against an AccountStore.
type Runtime struct {
	store        AccountStore
	mu           sync.RWMutex
	programs     map[solana.PublicKey]Program
	locks        *accountLocks
	history      *History
	slot         atomic.Uint64
	seq          atomic.Uint64
	computeLimit uint64
	observers    []Observer
	logger       *slog.Logger
}

// NewRuntime builds a runtime backed by store.
func NewRuntime(store AccountStore, opts ...Option) *Runtime {
	r := &Runtime{
		store:        store,
		programs:     make(map[solana.PublicKey]Program),
		locks:        newAccountLocks(),
		history:      newHistory(DefaultHistoryCapacity),
		computeLimit: DefaultComputeUnitLimit,
		logger:       logger.Named("ledger"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register makes programs callable. Registering the same id twice is a conflict.
func (r *Runtime) Register(programs ...Program) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range programs {
		id := p.ProgramID()
		if _, exists := r.programs[id]; exists {
			return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("program %s already registered", id))
		}
		r.programs[id] = p
	}
	return nil
}

// Program returns the program registered at id.
func (r *Runtime) Program(id solana.PublicKey) (Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.programs[id]
	return p, ok
}

// History exposes committed receipts.
func (r *Runtime) History() *History {
	return r.history
}

// Slot returns the slot of the most recently started transaction.
func (r *Runtime) Slot() uint64 {
	return r.slot.Load()
}

// Account reads committed state outside of any transaction.
func (r *Runtime) Account(ctx context.Context, key solana.PublicKey) (*Account, error) {
	return r.store.Get(ctx, key)
}

// Close releases the underlying store.
func (r *Runtime) Close() error {
	return r.store.Close()
}

type compiledInstruction struct {
	programID solana.PublicKey
	accounts  []*solana.AccountMeta
	data      []byte
}

// Execute runs every instruction of tx and commits only if all of them succeed.
// A failed transaction returns a nil receipt and leaves no trace in the store or history.
func (r *Runtime) Execute(ctx context.Context, tx *Transaction) (*Receipt, error) {
	receipt, err := r.execute(ctx, tx)
	for _, observer := range r.observers {
		observer(receipt, err)
	}
	if err != nil {
		r.logger.Warn("交易执行失败", "error", err, "code", xerrors.CodeOf(err))
		return nil, err
	}
	sig := receipt.Signature.String()
	r.logger.Debug("交易已提交",
		"signature", sig,
		"slot", receipt.Slot,
		"compute_units", receipt.ComputeUnits,
	)
	logger.ProgramOutput(sig, receipt.Slot, receipt.Logs)
	return receipt, nil
}

func (r *Runtime) execute(ctx context.Context, tx *Transaction) (*Receipt, error) {
	if tx == nil || len(tx.Instructions) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "transaction has no instructions")
	}
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "transaction cancelled before execution")
	}

	compiled, declared, err := r.compile(tx)
	if err != nil {
		return nil, err
	}

	release := r.locks.acquire(declared)
	defer release()

	limit := tx.ComputeUnitLimit
	if limit == 0 {
		limit = r.computeLimit
	}
	state := newTxState(ctx, r, compiled, newMeter(limit))
	slot := r.slot.Add(1)

	for i, ix := range compiled {
		state.current = i
		program, ok := r.Program(ix.programID)
		if !ok {
			return nil, &TransactionError{Index: i, Err: errorf(ErrUnknownProgram, "program %s is not registered", ix.programID)}
		}
		if err := state.process(program, ix.accounts, ix.data, 1); err != nil {
			return nil, &TransactionError{Index: i, Err: err}
		}
	}

	if err := r.store.Commit(ctx, state.writes()); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit transaction")
	}

	receipt := &Receipt{
		Signature:    r.sign(slot, compiled),
		Slot:         slot,
		BlockTime:    time.Now().UTC(),
		Logs:         state.logs,
		ComputeUnits: state.meter.used,
	}
	if state.returnData != nil {
		rd := *state.returnData
		receipt.ReturnData = &rd
	}
	r.history.record(receipt)
	return receipt, nil
}

// compile resolves instruction data and merges account privileges across instructions.
func (r *Runtime) compile(tx *Transaction) ([]compiledInstruction, map[solana.PublicKey]*solana.AccountMeta, error) {
	signed := make(map[solana.PublicKey]struct{}, len(tx.Signers))
	for _, s := range tx.Signers {
		signed[s] = struct{}{}
	}

	declared := make(map[solana.PublicKey]*solana.AccountMeta)
	merge := func(meta *solana.AccountMeta) {
		existing, ok := declared[meta.PublicKey]
		if !ok {
			declared[meta.PublicKey] = &solana.AccountMeta{PublicKey: meta.PublicKey, IsWritable: meta.IsWritable, IsSigner: meta.IsSigner}
			return
		}
		existing.IsWritable = existing.IsWritable || meta.IsWritable
		existing.IsSigner = existing.IsSigner || meta.IsSigner
	}

	compiled := make([]compiledInstruction, 0, len(tx.Instructions))
	for i, ix := range tx.Instructions {
		data, err := ix.Data()
		if err != nil {
			return nil, nil, &TransactionError{Index: i, Err: xerrors.Wrap(CodeInvalidInstructionData, err, "encode instruction data")}
		}
		accounts := make([]*solana.AccountMeta, 0, len(ix.Accounts()))
		for _, meta := range ix.Accounts() {
			if meta == nil {
				continue
			}
			if meta.IsSigner {
				if _, ok := signed[meta.PublicKey]; !ok {
					return nil, nil, &TransactionError{Index: i, Err: errorf(ErrMissingSignature, "account %s must sign", meta.PublicKey)}
				}
			}
			copied := *meta
			accounts = append(accounts, &copied)
			merge(meta)
		}
		merge(&solana.AccountMeta{PublicKey: ix.ProgramID()})
		compiled = append(compiled, compiledInstruction{programID: ix.ProgramID(), accounts: accounts, data: data})
	}
	return compiled, declared, nil
}

// sign derives a unique transaction id. Wallet signing happens outside the runtime.
func (r *Runtime) sign(slot uint64, compiled []compiledInstruction) solana.Signature {
	h := sha512.New()
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], slot)
	binary.LittleEndian.PutUint64(buf[8:], r.seq.Add(1))
	h.Write(buf[:])
	for _, ix := range compiled {
		h.Write(ix.programID[:])
		for _, meta := range ix.accounts {
			h.Write(meta.PublicKey[:])
		}
		h.Write(ix.data)
	}
	return solana.SignatureFromBytes(h.Sum(nil))
}
