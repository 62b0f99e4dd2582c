// Package system is the builtin program that allocates accounts.
package system

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/ledger"
)

// Instruction tags, encoded as a little-endian u32 prefix.
const (
	InstructionCreateAccount uint32 = 0
)

// Program implements ledger.Program for the system program id.
type Program struct{}

// New returns the system program.
func New() *Program {
	return &Program{}
}

// ProgramID implements ledger.Program.
func (p *Program) ProgramID() solana.PublicKey {
	return solana.SystemProgramID
}

// Process implements ledger.Program.
func (p *Program) Process(ic *ledger.InvokeContext, data []byte) error {
	dec := bin.NewBinDecoder(data)
	tag, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return xerrors.Wrap(ledger.CodeInvalidInstructionData, err, "read system instruction tag")
	}
	switch tag {
	case InstructionCreateAccount:
		return p.createAccount(ic, dec)
	default:
		return xerrors.New(ledger.CodeInvalidInstructionData, fmt.Sprintf("unknown system instruction %d", tag))
	}
}

func (p *Program) createAccount(ic *ledger.InvokeContext, dec *bin.Decoder) error {
	if _, err := dec.ReadUint64(bin.LE); err != nil {
		return xerrors.Wrap(ledger.CodeInvalidInstructionData, err, "read lamports")
	}
	space, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return xerrors.Wrap(ledger.CodeInvalidInstructionData, err, "read space")
	}
	owner, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return xerrors.Wrap(ledger.CodeInvalidInstructionData, err, "read owner")
	}
	target, err := ic.AccountAt(1)
	if err != nil {
		return err
	}
	return ic.CreateAccount(target.PublicKey, solana.PublicKeyFromBytes(owner), space)
}

// NewCreateAccountInstruction builds create_account. Lamports are carried for
// wire compatibility; the ledger does not account for rent.
func NewCreateAccountInstruction(funder, account, owner solana.PublicKey, space, lamports uint64) solana.Instruction {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteUint32(InstructionCreateAccount, bin.LE)
	_ = enc.WriteUint64(lamports, bin.LE)
	_ = enc.WriteUint64(space, bin.LE)
	_ = enc.WriteBytes(owner[:], false)
	return solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{
		solana.Meta(funder).WRITE().SIGNER(),
		solana.Meta(account).WRITE().SIGNER(),
	}, buf.Bytes())
}
