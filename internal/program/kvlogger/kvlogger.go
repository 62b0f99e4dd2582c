// Package kvlogger is the counter-backed key/value logger program. Every
// successful log bumps a nonce stored at the ["logger"] program address and
// emits the entry as a text line, a Borsh record and an Anchor event.
package kvlogger

import (
	"fmt"
	"math"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/ledger"
	"OpenProof-Chain/internal/program/anchor"
	"OpenProof-Chain/internal/program/system"
)

// ProgramID is the default deployment address.
var ProgramID = solana.MustPublicKeyFromBase58("GErKGy2MUyTZgXLxAhpmdThpH39YhJGRbbEkfezL9zNL")

// Variant selects how many passes a log call performs and how the text line is tagged.
type Variant string

const (
	VariantSingle Variant = "single"
	VariantSwap   Variant = "swap"
	VariantTagged Variant = "tagged"
)

// ParseVariant validates a configured variant name. Empty means single.
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case "", VariantSingle:
		return VariantSingle, nil
	case VariantSwap, VariantTagged:
		return Variant(s), nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown logger variant %q", s))
	}
}

const (
	InstructionInitialize  = "initialize"
	InstructionLogKeyValue = "log_key_value"
	InstructionSwapAndLog  = "swap_and_log"

	AccountName          = "LoggerAccount"
	EventKeyValue        = "KeyValueEvent"
	EventKeyValueSwapped = "KeyValueSwappedEvent"

	// Seed derives the counter record address.
	Seed = "logger"
	// AccountSpace is discriminator plus u64 nonce.
	AccountSpace = anchor.DiscriminatorLength + 8
)

// CodeNonceOverflow marks a log call that would wrap the nonce.
const CodeNonceOverflow xerrors.Code = "NONCE_OVERFLOW"

const CodeConstraintSeeds xerrors.Code = "CONSTRAINT_SEEDS"

var (
	ErrNonceOverflow   = anchor.NewError(CodeNonceOverflow, 6000, "NonceOverflow", "Nonce would overflow")
	ErrConstraintSeeds = anchor.NewError(CodeConstraintSeeds, 2006, "ConstraintSeeds", "A seeds constraint was violated")
)

func init() {
	xerrors.Register(CodeNonceOverflow, xerrors.Attributes{Message: "nonce overflow", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeConstraintSeeds, xerrors.Attributes{Message: "seeds constraint violated", Severity: xerrors.SeverityInfo})
}

// LoggerAccount is the counter record.
type LoggerAccount struct {
	Nonce uint64
}

// KeyValueLog is the Borsh record written with LogData.
type KeyValueLog struct {
	Key   string
	Value string
	Nonce uint64
}

// KeyValueEvent is emitted on every first pass.
type KeyValueEvent struct {
	Key   string
	Value string
	Nonce uint64
}

// KeyValueSwappedEvent is emitted on the swapped pass.
type KeyValueSwappedEvent struct {
	Key   string
	Value string
	Nonce uint64
}

// Option customises a Program.
type Option func(*Program)

// WithVariant selects the deployment variant.
func WithVariant(v Variant) Option {
	return func(p *Program) {
		p.variant = v
	}
}

// WithExposeSwap registers swap_and_log as its own instruction.
func WithExposeSwap(expose bool) Option {
	return func(p *Program) {
		p.exposeSwap = expose
	}
}

// WithProgramID deploys the program at a different address.
func WithProgramID(id solana.PublicKey) Option {
	return func(p *Program) {
		p.id = id
	}
}

// Program is the logger program.
type Program struct {
	*anchor.Router
	id         solana.PublicKey
	variant    Variant
	exposeSwap bool
}

// New builds the logger program.
func New(opts ...Option) *Program {
	p := &Program{id: ProgramID, variant: VariantSingle}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.Router = anchor.NewRouter(p.id)
	p.Handle(InstructionInitialize, p.initialize)
	p.Handle(InstructionLogKeyValue, p.logKeyValue)
	if p.exposeSwap {
		p.Handle(InstructionSwapAndLog, p.swapAndLog)
	}
	return p
}

// Variant returns the configured variant.
func (p *Program) Variant() Variant {
	return p.variant
}

// CounterAddress returns the counter record address for a deployment.
func CounterAddress(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(Seed)}, programID)
}

func (p *Program) counter(ic *ledger.InvokeContext) (solana.PublicKey, uint8, error) {
	meta, err := ic.AccountAt(0)
	if err != nil {
		return solana.PublicKey{}, 0, err
	}
	addr, bump, err := ic.FindProgramAddress([]byte(Seed))
	if err != nil {
		return solana.PublicKey{}, 0, err
	}
	if !meta.PublicKey.Equals(addr) {
		ic.Log("Left: %s", meta.PublicKey)
		ic.Log("Right: %s", addr)
		return solana.PublicKey{}, 0, ErrConstraintSeeds
	}
	return addr, bump, nil
}

func (p *Program) initialize(ic *ledger.InvokeContext, _ *bin.Decoder) error {
	addr, bump, err := p.counter(ic)
	if err != nil {
		return err
	}
	payer, err := anchor.Signer(ic, 1)
	if err != nil {
		return err
	}
	create := system.NewCreateAccountInstruction(payer.PublicKey, addr, p.id, AccountSpace, 0)
	if err := ic.InvokeSigned(create, [][]byte{[]byte(Seed), {bump}}); err != nil {
		return err
	}
	return p.store(ic, addr, LoggerAccount{Nonce: 0})
}

func (p *Program) load(ic *ledger.InvokeContext, addr solana.PublicKey) (LoggerAccount, error) {
	var state LoggerAccount
	acc, err := ic.Get(addr)
	if err != nil {
		return state, err
	}
	if err := anchor.DecodeAccount(AccountName, acc.Data, &state); err != nil {
		return state, err
	}
	return state, nil
}

func (p *Program) store(ic *ledger.InvokeContext, addr solana.PublicKey, state LoggerAccount) error {
	data, err := anchor.EncodeAccount(AccountName, state)
	if err != nil {
		return err
	}
	return ic.SetData(addr, data)
}

func readArgs(args *bin.Decoder) (string, string, error) {
	key, err := args.ReadString()
	if err != nil {
		return "", "", anchor.ErrInstructionDidNotDeserialize
	}
	value, err := args.ReadString()
	if err != nil {
		return "", "", anchor.ErrInstructionDidNotDeserialize
	}
	return key, value, nil
}

func (p *Program) logKeyValue(ic *ledger.InvokeContext, args *bin.Decoder) error {
	key, value, err := readArgs(args)
	if err != nil {
		return err
	}
	if _, err := anchor.Signer(ic, 1); err != nil {
		return err
	}
	addr, _, err := p.counter(ic)
	if err != nil {
		return err
	}
	state, err := p.load(ic, addr)
	if err != nil {
		return err
	}
	if err := p.emit(ic, &state, key, value); err != nil {
		return err
	}
	if p.variant == VariantSwap {
		if err := p.emitSwapped(ic, &state, key, value); err != nil {
			return err
		}
	}
	return p.store(ic, addr, state)
}

func (p *Program) swapAndLog(ic *ledger.InvokeContext, args *bin.Decoder) error {
	key, value, err := readArgs(args)
	if err != nil {
		return err
	}
	if _, err := anchor.Signer(ic, 1); err != nil {
		return err
	}
	addr, _, err := p.counter(ic)
	if err != nil {
		return err
	}
	state, err := p.load(ic, addr)
	if err != nil {
		return err
	}
	if err := p.emitSwapped(ic, &state, key, value); err != nil {
		return err
	}
	return p.store(ic, addr, state)
}

func next(state *LoggerAccount) error {
	if state.Nonce == math.MaxUint64 {
		return ErrNonceOverflow
	}
	state.Nonce++
	return nil
}

func (p *Program) emit(ic *ledger.InvokeContext, state *LoggerAccount, key, value string) error {
	if err := next(state); err != nil {
		return err
	}
	if p.variant == VariantTagged {
		ic.Log("Prove: program: %s, Event: KeyValue, Data: Key: %s, Value: %s, Nonce: %d", p.id, key, value, state.Nonce)
	} else {
		ic.Log("Key: %s, Value: %s, Nonce: %d", key, value, state.Nonce)
	}
	record, err := bin.MarshalBorsh(KeyValueLog{Key: key, Value: value, Nonce: state.Nonce})
	if err != nil {
		return err
	}
	ic.LogData(record)
	return anchor.Emit(ic, EventKeyValue, KeyValueEvent{Key: key, Value: value, Nonce: state.Nonce})
}

func (p *Program) emitSwapped(ic *ledger.InvokeContext, state *LoggerAccount, key, value string) error {
	if err := next(state); err != nil {
		return err
	}
	ic.Log("Swapped - Key: %s, Value: %s, Nonce: %d", value, key, state.Nonce)
	record, err := bin.MarshalBorsh(KeyValueLog{Key: value, Value: key, Nonce: state.Nonce})
	if err != nil {
		return err
	}
	ic.LogData(record)
	return anchor.Emit(ic, EventKeyValueSwapped, KeyValueSwappedEvent{Key: value, Value: key, Nonce: state.Nonce})
}
