package anchor

import (
	"fmt"

	xerrors "OpenProof-Chain/internal/errors"
)

const (
	CodeInstructionFallbackNotFound  xerrors.Code = "INSTRUCTION_FALLBACK_NOT_FOUND"
	CodeInstructionDidNotDeserialize xerrors.Code = "INSTRUCTION_DID_NOT_DESERIALIZE"
	CodeAccountDiscriminatorNotFound xerrors.Code = "ACCOUNT_DISCRIMINATOR_NOT_FOUND"
	CodeAccountDiscriminatorMismatch xerrors.Code = "ACCOUNT_DISCRIMINATOR_MISMATCH"
	CodeAccountDidNotDeserialize     xerrors.Code = "ACCOUNT_DID_NOT_DESERIALIZE"
	CodeAccountNotSigner             xerrors.Code = "ACCOUNT_NOT_SIGNER"
	CodeEventSerialization           xerrors.Code = "EVENT_SERIALIZATION_FAILED"
)

// Framework error numbers match Anchor's reserved range.
var (
	ErrInstructionFallbackNotFound  = NewError(CodeInstructionFallbackNotFound, 101, "InstructionFallbackNotFound", "Fallback functions are not supported")
	ErrInstructionDidNotDeserialize = NewError(CodeInstructionDidNotDeserialize, 102, "InstructionDidNotDeserialize", "The program could not deserialize the given instruction")
	ErrAccountDiscriminatorNotFound = NewError(CodeAccountDiscriminatorNotFound, 3001, "AccountDiscriminatorNotFound", "No 8 byte discriminator was found on the account")
	ErrAccountDiscriminatorMismatch = NewError(CodeAccountDiscriminatorMismatch, 3002, "AccountDiscriminatorMismatch", "8 byte discriminator did not match what was expected")
	ErrAccountNotSigner             = NewError(CodeAccountNotSigner, 3010, "AccountNotSigner", "The given account did not sign")
)

func init() {
	for code, attr := range map[xerrors.Code]xerrors.Attributes{
		CodeInstructionFallbackNotFound:  {Message: "instruction not found", Severity: xerrors.SeverityInfo},
		CodeInstructionDidNotDeserialize: {Message: "instruction did not deserialize", Severity: xerrors.SeverityInfo},
		CodeAccountDiscriminatorNotFound: {Message: "account discriminator not found", Severity: xerrors.SeverityWarning},
		CodeAccountDiscriminatorMismatch: {Message: "account discriminator mismatch", Severity: xerrors.SeverityWarning},
		CodeAccountDidNotDeserialize:     {Message: "account did not deserialize", Severity: xerrors.SeverityWarning},
		CodeAccountNotSigner:             {Message: "account did not sign", Severity: xerrors.SeverityWarning},
		CodeEventSerialization:           {Message: "event serialization failed", Severity: xerrors.SeverityWarning},
	} {
		xerrors.Register(code, attr)
	}
}

// NewError builds a numbered program error. Programs declare their own
// errors starting at 6000.
func NewError(code xerrors.Code, number uint32, name, message string) *xerrors.Error {
	return xerrors.New(code, message,
		xerrors.WithProgramCode(number),
		xerrors.WithMetadata("error_name", name),
	)
}

// errorLine renders the log line Anchor prints when a handler fails.
func errorLine(err error) (string, bool) {
	e, ok := xerrors.From(err)
	if !ok {
		return "", false
	}
	number, ok := e.ProgramCode()
	if !ok {
		return "", false
	}
	name := e.Metadata()["error_name"]
	if name == "" {
		name = string(e.Code())
	}
	return fmt.Sprintf("AnchorError occurred. Error Code: %s. Error Number: %d. Error Message: %s.", name, number, e.Message()), true
}
