package ledger

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// SysvarOwnerID owns every account the runtime synthesizes.
var SysvarOwnerID = solana.MustPublicKeyFromBase58("Sysvar1111111111111111111111111111111111111")

const (
	sysvarFlagSigner   = 1 << 0
	sysvarFlagWritable = 1 << 1
)

// IntrospectedInstruction is one entry of the instructions sysvar.
type IntrospectedInstruction struct {
	ProgramID solana.PublicKey
	Accounts  []solana.AccountMeta
	Data      []byte
}

// InstructionsSysvar is the decoded instruction-introspection account.
type InstructionsSysvar struct {
	Instructions []IntrospectedInstruction
	Current      uint16
}

// CurrentInstruction returns the top-level instruction that is executing.
func (s *InstructionsSysvar) CurrentInstruction() (IntrospectedInstruction, bool) {
	if int(s.Current) >= len(s.Instructions) {
		return IntrospectedInstruction{}, false
	}
	return s.Instructions[s.Current], true
}

// encodeInstructionsSysvar lays out: u16 count, then per instruction u16 account
// count, (flags u8, key) per account, program id, u16 data length, data; then
// the u16 index of the executing top-level instruction. Integers are little endian.
func encodeInstructionsSysvar(instructions []compiledInstruction, current int) []byte {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteUint16(uint16(len(instructions)), bin.LE)
	for _, ix := range instructions {
		_ = enc.WriteUint16(uint16(len(ix.accounts)), bin.LE)
		for _, meta := range ix.accounts {
			var flags uint8
			if meta.IsSigner {
				flags |= sysvarFlagSigner
			}
			if meta.IsWritable {
				flags |= sysvarFlagWritable
			}
			_ = enc.WriteUint8(flags)
			_ = enc.WriteBytes(meta.PublicKey[:], false)
		}
		_ = enc.WriteBytes(ix.programID[:], false)
		_ = enc.WriteUint16(uint16(len(ix.data)), bin.LE)
		_ = enc.WriteBytes(ix.data, false)
	}
	_ = enc.WriteUint16(uint16(current), bin.LE)
	return buf.Bytes()
}

// DecodeInstructionsSysvar parses the data of the instructions sysvar account.
func DecodeInstructionsSysvar(data []byte) (*InstructionsSysvar, error) {
	dec := bin.NewBinDecoder(data)
	count, err := dec.ReadUint16(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("read instruction count: %w", err)
	}
	out := &InstructionsSysvar{Instructions: make([]IntrospectedInstruction, 0, count)}
	for i := 0; i < int(count); i++ {
		n, err := dec.ReadUint16(bin.LE)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: read account count: %w", i, err)
		}
		ix := IntrospectedInstruction{Accounts: make([]solana.AccountMeta, 0, n)}
		for j := 0; j < int(n); j++ {
			flags, err := dec.ReadUint8()
			if err != nil {
				return nil, fmt.Errorf("instruction %d account %d: %w", i, j, err)
			}
			key, err := dec.ReadNBytes(solana.PublicKeyLength)
			if err != nil {
				return nil, fmt.Errorf("instruction %d account %d: %w", i, j, err)
			}
			ix.Accounts = append(ix.Accounts, solana.AccountMeta{
				PublicKey:  solana.PublicKeyFromBytes(key),
				IsSigner:   flags&sysvarFlagSigner != 0,
				IsWritable: flags&sysvarFlagWritable != 0,
			})
		}
		program, err := dec.ReadNBytes(solana.PublicKeyLength)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: read program id: %w", i, err)
		}
		ix.ProgramID = solana.PublicKeyFromBytes(program)
		size, err := dec.ReadUint16(bin.LE)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: read data length: %w", i, err)
		}
		payload, err := dec.ReadNBytes(int(size))
		if err != nil {
			return nil, fmt.Errorf("instruction %d: read data: %w", i, err)
		}
		ix.Data = append([]byte(nil), payload...)
		out.Instructions = append(out.Instructions, ix)
	}
	if out.Current, err = dec.ReadUint16(bin.LE); err != nil {
		return nil, fmt.Errorf("read current index: %w", err)
	}
	return out, nil
}
