package verifier

import (
	"errors"
	"math"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/ledger"
	"OpenProof-Chain/internal/program/anchor"
	"OpenProof-Chain/internal/program/system"
	"OpenProof-Chain/internal/proof"
)

// ProgramID is the pinned verifier address.
var ProgramID = solana.MustPublicKeyFromBase58("CdvSq48QUukYuMczgZAVNZrwcHNshBdtqrjW26sQiGPs")

const (
	InstructionLoadProof     = "load_proof"
	InstructionValidateProof = "validate_proof"

	CacheAccountName    = "ProofCache"
	InternalAccountName = "InternalState"

	// InternalSeed derives the bookkeeping account.
	InternalSeed = "internal"
	// MaxProofSize bounds what a cache may hold.
	MaxProofSize = 64 * 1024
)

const (
	CodeProofTooLarge      xerrors.Code = "PROOF_TOO_LARGE"
	CodeInvalidSysvar      xerrors.Code = "INVALID_INSTRUCTIONS_SYSVAR"
	CodeCacheSeeds         xerrors.Code = "CACHE_SEEDS_MISMATCH"
	CodeValidationOverflow xerrors.Code = "VALIDATION_COUNTER_OVERFLOW"
)

var (
	ErrProofTooLarge      = anchor.NewError(CodeProofTooLarge, 6000, "ProofTooLarge", "Proof exceeds cache capacity")
	ErrInvalidSysvar      = anchor.NewError(CodeInvalidSysvar, 6001, "InvalidInstructionsSysvar", "Instructions sysvar account is invalid")
	ErrCacheSeeds         = anchor.NewError(CodeCacheSeeds, 6002, "CacheSeedsMismatch", "Cache or internal account does not match its seeds")
	ErrValidationOverflow = anchor.NewError(CodeValidationOverflow, 6003, "ValidationCounterOverflow", "Validation counter would overflow")
)

func init() {
	for code, attr := range map[xerrors.Code]xerrors.Attributes{
		CodeProofTooLarge:      {Message: "proof too large", Severity: xerrors.SeverityInfo},
		CodeInvalidSysvar:      {Message: "invalid instructions sysvar", Severity: xerrors.SeverityWarning},
		CodeCacheSeeds:         {Message: "cache seeds mismatch", Severity: xerrors.SeverityInfo},
		CodeValidationOverflow: {Message: "validation counter overflow", Severity: xerrors.SeverityCritical, Alert: true},
	} {
		xerrors.Register(code, attr)
	}
}

// ProofCache holds the chunks uploaded so far.
type ProofCache struct {
	Proof []byte
}

// InternalState counts validations served.
type InternalState struct {
	Validations uint64
}

// Option customises the program.
type Option func(*Program)

// WithVerifier replaces the default EnvelopeVerifier.
func WithVerifier(v Verifier) Option {
	return func(p *Program) {
		if v != nil {
			p.verifier = v
		}
	}
}

// Program implements ledger.Program at ProgramID.
type Program struct {
	*anchor.Router
	verifier Verifier
}

// New builds the verifier program.
func New(opts ...Option) *Program {
	p := &Program{verifier: EnvelopeVerifier{}}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.Router = anchor.NewRouter(ProgramID)
	p.Handle(InstructionLoadProof, p.loadProof)
	p.Handle(InstructionValidateProof, p.validateProof)
	return p
}

// CacheAddress derives the proof cache of authority.
func CacheAddress(authority solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{authority[:]}, ProgramID)
}

// InternalAddress derives the bookkeeping account.
func InternalAddress() (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(InternalSeed)}, ProgramID)
}

// ensure creates the program-owned account at the seeded address when missing.
func ensure(ic *ledger.InvokeContext, addr, payer solana.PublicKey, seeds []byte, name string, initial any) error {
	derived, bump, err := ic.FindProgramAddress(seeds)
	if err != nil {
		return err
	}
	if !derived.Equals(addr) {
		return ErrCacheSeeds
	}
	if _, err := ic.Get(addr); err == nil {
		return nil
	} else if !errors.Is(err, ledger.ErrAccountNotFound) {
		return err
	}
	create := system.NewCreateAccountInstruction(payer, addr, ProgramID, 0, 0)
	if err := ic.InvokeSigned(create, [][]byte{seeds, {bump}}); err != nil {
		return err
	}
	data, err := anchor.EncodeAccount(name, initial)
	if err != nil {
		return err
	}
	return ic.SetData(addr, data)
}

func (p *Program) loadProof(ic *ledger.InvokeContext, args *bin.Decoder) error {
	chunk, err := args.ReadByteSlice()
	if err != nil {
		return anchor.ErrInstructionDidNotDeserialize
	}
	cacheMeta, err := ic.AccountAt(0)
	if err != nil {
		return err
	}
	authority, err := ic.AccountAt(1)
	if err != nil {
		return err
	}
	if err := ensure(ic, cacheMeta.PublicKey, authority.PublicKey, authority.PublicKey.Bytes(), CacheAccountName, ProofCache{}); err != nil {
		return err
	}

	acc, err := ic.Get(cacheMeta.PublicKey)
	if err != nil {
		return err
	}
	var cache ProofCache
	if err := anchor.DecodeAccount(CacheAccountName, acc.Data, &cache); err != nil {
		return err
	}
	if len(cache.Proof)+len(chunk) > MaxProofSize {
		return ErrProofTooLarge
	}
	cache.Proof = append(cache.Proof, chunk...)
	data, err := anchor.EncodeAccount(CacheAccountName, cache)
	if err != nil {
		return err
	}
	ic.Log("Loaded %d bytes, cache holds %d", len(chunk), len(cache.Proof))
	return ic.SetData(cacheMeta.PublicKey, data)
}

func (p *Program) validateProof(ic *ledger.InvokeContext, _ *bin.Decoder) error {
	cacheMeta, err := ic.AccountAt(0)
	if err != nil {
		return err
	}
	authority, err := ic.AccountAt(1)
	if err != nil {
		return err
	}
	internalMeta, err := ic.AccountAt(2)
	if err != nil {
		return err
	}
	sysvarMeta, err := ic.AccountAt(3)
	if err != nil {
		return err
	}

	if !sysvarMeta.PublicKey.Equals(solana.SysVarInstructionsPubkey) {
		return ErrInvalidSysvar
	}
	sysvarAcc, err := ic.Get(sysvarMeta.PublicKey)
	if err != nil {
		return err
	}
	introspection, err := ledger.DecodeInstructionsSysvar(sysvarAcc.Data)
	if err != nil {
		return xerrors.Wrap(CodeInvalidSysvar, err, "decode instructions sysvar", xerrors.WithProgramCode(6001))
	}
	if _, ok := introspection.CurrentInstruction(); !ok {
		return ErrInvalidSysvar
	}

	if err := ensure(ic, internalMeta.PublicKey, authority.PublicKey, []byte(InternalSeed), InternalAccountName, InternalState{}); err != nil {
		return err
	}
	internalAcc, err := ic.Get(internalMeta.PublicKey)
	if err != nil {
		return err
	}
	var internal InternalState
	if err := anchor.DecodeAccount(InternalAccountName, internalAcc.Data, &internal); err != nil {
		return err
	}
	if internal.Validations == math.MaxUint64 {
		return ErrValidationOverflow
	}
	internal.Validations++
	internalData, err := anchor.EncodeAccount(InternalAccountName, internal)
	if err != nil {
		return err
	}
	if err := ic.SetData(internalMeta.PublicKey, internalData); err != nil {
		return err
	}

	if err := ensure(ic, cacheMeta.PublicKey, authority.PublicKey, authority.PublicKey.Bytes(), CacheAccountName, ProofCache{}); err != nil {
		return err
	}
	cacheAcc, err := ic.Get(cacheMeta.PublicKey)
	if err != nil {
		return err
	}
	var cache ProofCache
	if err := anchor.DecodeAccount(CacheAccountName, cacheAcc.Data, &cache); err != nil {
		return err
	}
	if err := ic.Consume(uint64(len(cache.Proof))); err != nil {
		return err
	}

	result := p.verifier.Verify(cache.Proof)
	payload, err := proof.Encode(result)
	if err != nil {
		return err
	}
	ic.Log("Validation result: %s", result.Kind)

	cleared, err := anchor.EncodeAccount(CacheAccountName, ProofCache{})
	if err != nil {
		return err
	}
	if err := ic.SetData(cacheMeta.PublicKey, cleared); err != nil {
		return err
	}
	return ic.SetReturnData(payload)
}

// NewLoadProofInstruction appends chunk to authority's cache.
func NewLoadProofInstruction(authority solana.PublicKey, chunk []byte) (solana.Instruction, error) {
	cache, _, err := CacheAddress(authority)
	if err != nil {
		return nil, err
	}
	return anchor.NewInstruction(ProgramID, InstructionLoadProof, solana.AccountMetaSlice{
		solana.Meta(cache).WRITE(),
		solana.Meta(authority).WRITE().SIGNER(),
		solana.Meta(solana.SystemProgramID),
	}, chunk)
}

// NewValidateProofInstruction validates authority's cached proof.
func NewValidateProofInstruction(authority solana.PublicKey) (solana.Instruction, error) {
	cache, _, err := CacheAddress(authority)
	if err != nil {
		return nil, err
	}
	internal, _, err := InternalAddress()
	if err != nil {
		return nil, err
	}
	return anchor.NewInstruction(ProgramID, InstructionValidateProof, solana.AccountMetaSlice{
		solana.Meta(cache).WRITE(),
		solana.Meta(authority).WRITE().SIGNER(),
		solana.Meta(internal).WRITE(),
		solana.Meta(solana.SysVarInstructionsPubkey),
		solana.Meta(solana.SystemProgramID),
	})
}

// DecodeCache parses a proof cache account.
func DecodeCache(data []byte) (ProofCache, error) {
	var cache ProofCache
	err := anchor.DecodeAccount(CacheAccountName, data, &cache)
	return cache, err
}
