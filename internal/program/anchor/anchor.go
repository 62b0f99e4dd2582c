// Package anchor provides the Anchor framework conventions the programs share:
// 8-byte discriminators, instruction routing, typed accounts, events and
// numbered program errors.
package anchor

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/ledger"
)

const (
	eventNamespace = "event"
	// DiscriminatorLength is the size of every Anchor discriminator.
	DiscriminatorLength = 8
)

// Discriminator identifies instructions, accounts and events.
type Discriminator [DiscriminatorLength]byte

// InstructionDiscriminator returns sha256("global:<name>")[:8]; name is snake_case.
func InstructionDiscriminator(name string) Discriminator {
	return toDiscriminator(bin.Sighash(bin.SIGHASH_GLOBAL_NAMESPACE, name))
}

// AccountDiscriminator returns sha256("account:<Name>")[:8].
func AccountDiscriminator(name string) Discriminator {
	return toDiscriminator(bin.Sighash(bin.SIGHASH_ACCOUNT_NAMESPACE, name))
}

// EventDiscriminator returns sha256("event:<Name>")[:8].
func EventDiscriminator(name string) Discriminator {
	return toDiscriminator(bin.Sighash(eventNamespace, name))
}

func toDiscriminator(b []byte) Discriminator {
	var d Discriminator
	copy(d[:], b)
	return d
}

// NewInstruction encodes args with Borsh behind the instruction discriminator.
func NewInstruction(programID solana.PublicKey, name string, accounts solana.AccountMetaSlice, args ...any) (solana.Instruction, error) {
	buf := new(bytes.Buffer)
	disc := InstructionDiscriminator(name)
	buf.Write(disc[:])
	enc := bin.NewBorshEncoder(buf)
	for i, arg := range args {
		if err := enc.Encode(arg); err != nil {
			return nil, fmt.Errorf("encode argument %d of %s: %w", i, name, err)
		}
	}
	return solana.NewInstruction(programID, accounts, buf.Bytes()), nil
}

// EncodeAccount serializes v behind the account discriminator of name.
func EncodeAccount(name string, v any) ([]byte, error) {
	body, err := bin.MarshalBorsh(v)
	if err != nil {
		return nil, err
	}
	disc := AccountDiscriminator(name)
	return append(disc[:], body...), nil
}

// DecodeAccount checks the discriminator of data and decodes the remainder into v.
func DecodeAccount(name string, data []byte, v any) error {
	if len(data) < DiscriminatorLength {
		return ErrAccountDiscriminatorNotFound
	}
	disc := AccountDiscriminator(name)
	if !bytes.Equal(data[:DiscriminatorLength], disc[:]) {
		return ErrAccountDiscriminatorMismatch
	}
	if err := bin.NewBorshDecoder(data[DiscriminatorLength:]).Decode(v); err != nil {
		return xerrors.Wrap(CodeAccountDidNotDeserialize, err, "decode "+name,
			xerrors.WithProgramCode(3003))
	}
	return nil
}

// Signer returns account i of the current instruction, which must carry the signer flag.
func Signer(ic *ledger.InvokeContext, i int) (solana.AccountMeta, error) {
	meta, err := ic.AccountAt(i)
	if err != nil {
		return meta, err
	}
	if !meta.IsSigner {
		return meta, ErrAccountNotSigner
	}
	return meta, nil
}

// Emit writes an event as one "Program data:" line: discriminator then Borsh body.
func Emit(ic *ledger.InvokeContext, name string, event any) error {
	body, err := bin.MarshalBorsh(event)
	if err != nil {
		return xerrors.Wrap(CodeEventSerialization, err, "encode event "+name)
	}
	disc := EventDiscriminator(name)
	ic.LogData(append(disc[:], body...))
	return nil
}

// DecodeEvent reverses Emit for a single decoded "Program data:" field.
func DecodeEvent(name string, data []byte, v any) (bool, error) {
	disc := EventDiscriminator(name)
	if len(data) < DiscriminatorLength || !bytes.Equal(data[:DiscriminatorLength], disc[:]) {
		return false, nil
	}
	if err := bin.NewBorshDecoder(data[DiscriminatorLength:]).Decode(v); err != nil {
		return true, err
	}
	return true, nil
}
