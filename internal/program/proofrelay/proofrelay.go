// Package proofrelay forwards proofs to the pinned verifier and turns the
// verifier's answer into auditable outcomes.
//
// validate_proof trusts nothing the callee returns until the return-data
// origin has been compared with VerifierID; only then is the payload decoded.
package proofrelay

import (
	"bytes"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/ledger"
	"OpenProof-Chain/internal/program/anchor"
	"OpenProof-Chain/internal/proof"
)

var (
	// ProgramID is the default deployment address.
	ProgramID = solana.MustPublicKeyFromBase58("J8T7Dg51zWifVfd4H4G61AaVtmW7GqegHx3h7a59hKSa")
	// VerifierID is the only callee whose answers are accepted.
	VerifierID = solana.MustPublicKeyFromBase58("CdvSq48QUukYuMczgZAVNZrwcHNshBdtqrjW26sQiGPs")
)

const (
	InstructionLoadProof     = "load_proof"
	InstructionValidateProof = "validate_proof"

	EventProofValidated = "ProofValidatedEvent"
	EventProofRejected  = "ProofRejectedEvent"
)

const (
	CodeMissingReturn     xerrors.Code = "MISSING_RETURN"
	CodeWrongProgram      xerrors.Code = "WRONG_PROGRAM"
	CodeProgramIDMismatch xerrors.Code = "PROGRAM_ID_MISMATCH"
)

var (
	ErrMissingReturn     = anchor.NewError(CodeMissingReturn, 6000, "MissingReturn", "No return data from verifier")
	ErrWrongProgram      = anchor.NewError(CodeWrongProgram, 6001, "WrongProgram", "Return data came from an unexpected program")
	ErrProgramIDMismatch = anchor.NewError(CodeProgramIDMismatch, 6002, "ProgramIdMismatch", "Verifier account does not match the pinned program id")
	ErrInvalidResult     = anchor.NewError(proof.CodeDecodeFailed, 6003, "InvalidResult", "Verifier returned an undecodable result")
)

func init() {
	xerrors.Register(CodeMissingReturn, xerrors.Attributes{Message: "verifier produced no return data", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeWrongProgram, xerrors.Attributes{Message: "return data origin mismatch", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeProgramIDMismatch, xerrors.Attributes{Message: "verifier program id mismatch", Severity: xerrors.SeverityWarning})
}

// ProofValidatedEvent carries the decoded fields of a Valid result verbatim.
type ProofValidatedEvent struct {
	ChainID          uint32
	EmittingContract [proof.ContractAddressLength]byte
	Topics           [][]byte
	UnindexedData    []byte
}

// ProofRejectedEvent records a verifier rejection.
type ProofRejectedEvent struct {
	Kind        uint8
	Description string
}

// Option customises the program.
type Option func(*Program)

// WithProgramID deploys the relay at a different address.
func WithProgramID(id solana.PublicKey) Option {
	return func(p *Program) {
		p.id = id
	}
}

// Program is the relay.
type Program struct {
	*anchor.Router
	id solana.PublicKey
}

// New builds the relay program.
func New(opts ...Option) *Program {
	p := &Program{id: ProgramID}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.Router = anchor.NewRouter(p.id)
	p.Handle(InstructionLoadProof, p.loadProof)
	p.Handle(InstructionValidateProof, p.validateProof)
	return p
}

// checkVerifier is the identity check every entry point runs before calling out.
func checkVerifier(ic *ledger.InvokeContext) error {
	meta, err := ic.AccountAt(0)
	if err != nil {
		return err
	}
	if !meta.PublicKey.Equals(VerifierID) {
		ic.Log("Left: %s", meta.PublicKey)
		ic.Log("Right: %s", VerifierID)
		return ErrProgramIDMismatch
	}
	return nil
}

// forward builds the verifier instruction from the relay's own accounts,
// dropping the verifier entry at index 0.
func forward(ic *ledger.InvokeContext, name string, payload []byte) solana.Instruction {
	accounts := ic.Accounts()
	metas := make(solana.AccountMetaSlice, 0, len(accounts)-1)
	for i := 1; i < len(accounts); i++ {
		m := accounts[i]
		metas = append(metas, &m)
	}
	disc := anchor.InstructionDiscriminator(name)
	data := append(disc[:], payload...)
	return solana.NewInstruction(VerifierID, metas, data)
}

func (p *Program) loadProof(ic *ledger.InvokeContext, args *bin.Decoder) error {
	chunk, err := args.ReadByteSlice()
	if err != nil {
		return anchor.ErrInstructionDidNotDeserialize
	}
	if err := checkVerifier(ic); err != nil {
		return err
	}
	buf := new(bytes.Buffer)
	if err := bin.NewBorshEncoder(buf).WriteBytes(chunk, true); err != nil {
		return err
	}
	return ic.Invoke(forward(ic, InstructionLoadProof, buf.Bytes()))
}

func (p *Program) validateProof(ic *ledger.InvokeContext, _ *bin.Decoder) error {
	if err := checkVerifier(ic); err != nil {
		return err
	}
	if err := ic.Invoke(forward(ic, InstructionValidateProof, nil)); err != nil {
		return err
	}

	rd, ok := ic.ReturnData()
	if !ok {
		return ErrMissingReturn
	}
	if !rd.ProgramID.Equals(VerifierID) {
		ic.Log("Return data origin: %s", rd.ProgramID)
		return ErrWrongProgram
	}
	result, err := proof.Decode(rd.Data)
	if err != nil {
		return xerrors.Wrap(proof.CodeDecodeFailed, err, ErrInvalidResult.Message(),
			xerrors.WithProgramCode(6003),
			xerrors.WithMetadata("error_name", "InvalidResult"),
		)
	}
	return dispatch(ic, result)
}

func dispatch(ic *ledger.InvokeContext, result proof.Result) error {
	if result.IsValid() {
		v := result.Valid
		ic.Log("Proof validated: %s", v.Summary())
		return anchor.Emit(ic, EventProofValidated, ProofValidatedEvent{
			ChainID:          v.ChainID,
			EmittingContract: v.Event.EmittingContract,
			Topics:           v.Event.Topics,
			UnindexedData:    v.Event.UnindexedData,
		})
	}
	ic.Log("Proof validation failed: %s", result.Description())
	return anchor.Emit(ic, EventProofRejected, ProofRejectedEvent{
		Kind:        uint8(result.Kind),
		Description: result.Description(),
	})
}

// Accounts passed to both entry points, in order.
type Accounts struct {
	Cache     solana.PublicKey
	Authority solana.PublicKey
	Internal  solana.PublicKey
	// Remaining are forwarded to the verifier unchanged.
	Remaining []*solana.AccountMeta
}

// NewLoadProofInstruction forwards chunk to verifier's ingestion entry point.
// verifier is normally VerifierID; any other value is rejected on-ledger.
func NewLoadProofInstruction(programID, verifier solana.PublicKey, accts Accounts, chunk []byte) (solana.Instruction, error) {
	metas := solana.AccountMetaSlice{
		solana.Meta(verifier),
		solana.Meta(accts.Cache).WRITE(),
		solana.Meta(accts.Authority).WRITE().SIGNER(),
		solana.Meta(solana.SystemProgramID),
	}
	metas = append(metas, accts.Remaining...)
	return anchor.NewInstruction(programID, InstructionLoadProof, metas, chunk)
}

// NewValidateProofInstruction asks verifier to validate the cached proof.
func NewValidateProofInstruction(programID, verifier solana.PublicKey, accts Accounts) (solana.Instruction, error) {
	metas := solana.AccountMetaSlice{
		solana.Meta(verifier),
		solana.Meta(accts.Cache).WRITE(),
		solana.Meta(accts.Authority).WRITE().SIGNER(),
		solana.Meta(accts.Internal).WRITE(),
		solana.Meta(solana.SysVarInstructionsPubkey),
		solana.Meta(solana.SystemProgramID),
	}
	metas = append(metas, accts.Remaining...)
	return anchor.NewInstruction(programID, InstructionValidateProof, metas)
}

// DefaultAccounts derives the verifier's cache and internal addresses for authority.
func DefaultAccounts(authority solana.PublicKey) (Accounts, error) {
	cache, _, err := solana.FindProgramAddress([][]byte{authority[:]}, VerifierID)
	if err != nil {
		return Accounts{}, err
	}
	internal, _, err := solana.FindProgramAddress([][]byte{[]byte("internal")}, VerifierID)
	if err != nil {
		return Accounts{}, err
	}
	return Accounts{Cache: cache, Authority: authority, Internal: internal}, nil
}
