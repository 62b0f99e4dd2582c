// Package proof defines the validation result a verifier returns and its
// fixed binary layout: a u8 discriminant followed by the variant's fields in
// declared order, little-endian integers, u32 length prefixes on sequences.
package proof

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	bin "github.com/gagliardetto/binary"

	xerrors "OpenProof-Chain/internal/errors"
)

// Kind is the discriminant of a Result.
type Kind uint8

const (
	KindValid Kind = iota
	KindInvalidProof
	KindInvalidSignature
	KindUnknownClient
	KindStateRootMismatch
	KindProofNotLoaded
)

// ContractAddressLength is the width of an emitting contract address.
const ContractAddressLength = 20

// CodeDecodeFailed marks payloads that do not match the layout.
const CodeDecodeFailed xerrors.Code = "RESULT_DECODE_FAILED"

func init() {
	xerrors.Register(CodeDecodeFailed, xerrors.Attributes{
		Message:  "validation result could not be decoded",
		Severity: xerrors.SeverityWarning,
	})
}

var descriptions = map[Kind]string{
	KindValid:             "proof is valid",
	KindInvalidProof:      "proof is malformed or fails verification",
	KindInvalidSignature:  "attestation signature is invalid",
	KindUnknownClient:     "proof references an unknown light client",
	KindStateRootMismatch: "state root does not match the attested root",
	KindProofNotLoaded:    "no proof loaded in cache",
}

// Known reports whether k is a recognised discriminant.
func (k Kind) Known() bool {
	_, ok := descriptions[k]
	return ok
}

// String returns the variant name.
func (k Kind) String() string {
	switch k {
	case KindValid:
		return "Valid"
	case KindInvalidProof:
		return "InvalidProof"
	case KindInvalidSignature:
		return "InvalidSignature"
	case KindUnknownClient:
		return "UnknownClient"
	case KindStateRootMismatch:
		return "StateRootMismatch"
	case KindProofNotLoaded:
		return "ProofNotLoaded"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Event is the EVM log a valid proof attests to.
type Event struct {
	EmittingContract [ContractAddressLength]byte
	Topics           [][]byte
	UnindexedData    []byte
}

// Result is the tagged union. Valid is non-nil only when Kind is KindValid.
type Result struct {
	Kind  Kind
	Valid *Valid
}

// Valid carries the fields of a successful validation.
type Valid struct {
	ChainID uint32
	Event   Event
}

// NewValid builds a Valid result.
func NewValid(chainID uint32, event Event) Result {
	return Result{Kind: KindValid, Valid: &Valid{ChainID: chainID, Event: event}}
}

// NewRejection builds a field-less rejection variant.
func NewRejection(kind Kind) Result {
	return Result{Kind: kind}
}

// IsValid reports whether the verifier accepted the proof.
func (r Result) IsValid() bool {
	return r.Kind == KindValid && r.Valid != nil
}

// Description is the human readable text of the variant.
func (r Result) Description() string {
	if d, ok := descriptions[r.Kind]; ok {
		return d
	}
	return r.Kind.String()
}

// ContractHex renders the emitting contract as lowercase 0x-prefixed hex.
func (e Event) ContractHex() string {
	return hexutil.Encode(e.EmittingContract[:])
}

// Summary renders the Valid fields the way they are logged.
func (v *Valid) Summary() string {
	topics := make([]string, len(v.Event.Topics))
	for i, t := range v.Event.Topics {
		topics[i] = hexutil.Encode(t)
	}
	return fmt.Sprintf("chain_id=%d, emitting_contract=%s, topics=[%s], unindexed_data=%s",
		v.ChainID, v.Event.ContractHex(), strings.Join(topics, ", "), hexutil.Encode(v.Event.UnindexedData))
}

// MarshalWithEncoder implements bin.BinaryMarshaler.
func (r Result) MarshalWithEncoder(enc *bin.Encoder) error {
	if !r.Kind.Known() {
		return fmt.Errorf("unknown result kind %d", r.Kind)
	}
	if err := enc.WriteUint8(uint8(r.Kind)); err != nil {
		return err
	}
	if r.Kind != KindValid {
		return nil
	}
	if r.Valid == nil {
		return fmt.Errorf("valid result without fields")
	}
	if err := enc.WriteUint32(r.Valid.ChainID, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteBytes(r.Valid.Event.EmittingContract[:], false); err != nil {
		return err
	}
	if err := enc.WriteUint32(uint32(len(r.Valid.Event.Topics)), bin.LE); err != nil {
		return err
	}
	for _, topic := range r.Valid.Event.Topics {
		if err := enc.WriteBytes(topic, true); err != nil {
			return err
		}
	}
	return enc.WriteBytes(r.Valid.Event.UnindexedData, true)
}

// UnmarshalWithDecoder implements bin.BinaryUnmarshaler.
func (r *Result) UnmarshalWithDecoder(dec *bin.Decoder) error {
	tag, err := dec.ReadUint8()
	if err != nil {
		return fmt.Errorf("read discriminant: %w", err)
	}
	kind := Kind(tag)
	if !kind.Known() {
		return fmt.Errorf("unknown discriminant %d", tag)
	}
	*r = Result{Kind: kind}
	if kind != KindValid {
		return nil
	}

	v := &Valid{}
	if v.ChainID, err = dec.ReadUint32(bin.LE); err != nil {
		return fmt.Errorf("read chain_id: %w", err)
	}
	contract, err := dec.ReadNBytes(ContractAddressLength)
	if err != nil {
		return fmt.Errorf("read emitting_contract: %w", err)
	}
	copy(v.Event.EmittingContract[:], contract)
	count, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return fmt.Errorf("read topics length: %w", err)
	}
	// every topic needs at least its length prefix
	if uint64(count)*4 > uint64(dec.Remaining()) {
		return fmt.Errorf("topics length %d exceeds payload", count)
	}
	v.Event.Topics = make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		topic, err := dec.ReadByteSlice()
		if err != nil {
			return fmt.Errorf("read topic %d: %w", i, err)
		}
		v.Event.Topics = append(v.Event.Topics, append([]byte(nil), topic...))
	}
	data, err := dec.ReadByteSlice()
	if err != nil {
		return fmt.Errorf("read unindexed_data: %w", err)
	}
	v.Event.UnindexedData = append([]byte(nil), data...)
	r.Valid = v
	return nil
}

// Encode serializes r.
func Encode(r Result) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := r.MarshalWithEncoder(bin.NewBorshEncoder(buf)); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode validation result")
	}
	return buf.Bytes(), nil
}

// Decode parses a payload. Truncated input, an unknown discriminant or trailing
// bytes fail with RESULT_DECODE_FAILED.
func Decode(data []byte) (Result, error) {
	var r Result
	dec := bin.NewBorshDecoder(data)
	if err := r.UnmarshalWithDecoder(dec); err != nil {
		return Result{}, xerrors.Wrap(CodeDecodeFailed, err, "decode validation result")
	}
	if dec.HasRemaining() {
		return Result{}, xerrors.New(CodeDecodeFailed, fmt.Sprintf("decode validation result: %d trailing bytes", dec.Remaining()))
	}
	return r, nil
}
