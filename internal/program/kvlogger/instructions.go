package kvlogger

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"OpenProof-Chain/internal/program/anchor"
)

// NewInitializeInstruction creates the counter record, paid for by signer.
func NewInitializeInstruction(programID, signer solana.PublicKey) (solana.Instruction, error) {
	counter, _, err := CounterAddress(programID)
	if err != nil {
		return nil, err
	}
	return anchor.NewInstruction(programID, InstructionInitialize, solana.AccountMetaSlice{
		solana.Meta(counter).WRITE(),
		solana.Meta(signer).WRITE().SIGNER(),
		solana.Meta(solana.SystemProgramID),
	})
}

// NewLogKeyValueInstruction logs key and value.
func NewLogKeyValueInstruction(programID, signer solana.PublicKey, key, value string) (solana.Instruction, error) {
	return newLogInstruction(programID, signer, InstructionLogKeyValue, key, value)
}

// NewSwapAndLogInstruction calls the swapped pass directly. Only deployments
// built WithExposeSwap accept it.
func NewSwapAndLogInstruction(programID, signer solana.PublicKey, key, value string) (solana.Instruction, error) {
	return newLogInstruction(programID, signer, InstructionSwapAndLog, key, value)
}

func newLogInstruction(programID, signer solana.PublicKey, name, key, value string) (solana.Instruction, error) {
	counter, _, err := CounterAddress(programID)
	if err != nil {
		return nil, err
	}
	return anchor.NewInstruction(programID, name, solana.AccountMetaSlice{
		solana.Meta(counter).WRITE(),
		solana.Meta(signer).SIGNER(),
	}, key, value)
}

// DecodeCounter parses the data of a counter record account.
func DecodeCounter(data []byte) (LoggerAccount, error) {
	var state LoggerAccount
	err := anchor.DecodeAccount(AccountName, data, &state)
	return state, err
}

// DecodeRecord parses a "Program data:" field written as a KeyValueLog.
func DecodeRecord(data []byte) (KeyValueLog, error) {
	var record KeyValueLog
	dec := bin.NewBorshDecoder(data)
	if err := dec.Decode(&record); err != nil {
		return record, err
	}
	if dec.HasRemaining() {
		return record, fmt.Errorf("%d trailing bytes after key/value record", dec.Remaining())
	}
	return record, nil
}
