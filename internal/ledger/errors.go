package ledger

import (
	"fmt"

	xerrors "OpenProof-Chain/internal/errors"
)

const (
	CodeAccountAlreadyInUse    xerrors.Code = "ACCOUNT_ALREADY_IN_USE"
	CodeAccountNotFound        xerrors.Code = "ACCOUNT_NOT_FOUND"
	CodeAccountNotDeclared     xerrors.Code = "ACCOUNT_NOT_DECLARED"
	CodeReadonlyModified       xerrors.Code = "READONLY_ACCOUNT_MODIFIED"
	CodeExternalModified       xerrors.Code = "EXTERNAL_ACCOUNT_DATA_MODIFIED"
	CodeMissingSignature       xerrors.Code = "MISSING_REQUIRED_SIGNATURE"
	CodePrivilegeEscalation    xerrors.Code = "PRIVILEGE_ESCALATION"
	CodeUnknownProgram         xerrors.Code = "UNKNOWN_PROGRAM"
	CodeCallDepthExceeded      xerrors.Code = "CALL_DEPTH_EXCEEDED"
	CodeReentrancy             xerrors.Code = "REENTRANCY_NOT_ALLOWED"
	CodeBudgetExceeded         xerrors.Code = "COMPUTE_BUDGET_EXCEEDED"
	CodeInvocationAborted      xerrors.Code = "INVOCATION_ABORTED"
	CodeInvalidInstructionData xerrors.Code = "INVALID_INSTRUCTION_DATA"
	CodeReturnDataTooLarge     xerrors.Code = "RETURN_DATA_TOO_LARGE"
	CodeInvalidSeeds           xerrors.Code = "INVALID_SEEDS"
)

var (
	// ErrAccountAlreadyInUse is returned when creating an account at an occupied address.
	ErrAccountAlreadyInUse = xerrors.New(CodeAccountAlreadyInUse, "account already in use")
	// ErrAccountNotFound is returned when reading an account that does not exist.
	ErrAccountNotFound = xerrors.New(CodeAccountNotFound, "account not found")
	// ErrAccountNotDeclared is returned when a program touches an account it was not given.
	ErrAccountNotDeclared = xerrors.New(CodeAccountNotDeclared, "account not declared by instruction")
	// ErrReadonlyModified is returned on writes to accounts declared read-only.
	ErrReadonlyModified = xerrors.New(CodeReadonlyModified, "instruction modified data of a read-only account")
	// ErrExternalModified is returned when a program writes an account it does not own.
	ErrExternalModified = xerrors.New(CodeExternalModified, "instruction modified data of an account it does not own")
	// ErrMissingSignature is returned when a declared signer did not sign.
	ErrMissingSignature = xerrors.New(CodeMissingSignature, "missing required signature for instruction")
	// ErrPrivilegeEscalation is returned when a nested call asks for privileges the caller lacks.
	ErrPrivilegeEscalation = xerrors.New(CodePrivilegeEscalation, "cross-program invocation with unauthorized signer or writable account")
	// ErrUnknownProgram is returned when an instruction targets an unregistered program.
	ErrUnknownProgram = xerrors.New(CodeUnknownProgram, "attempt to load a program that does not exist")
	// ErrCallDepthExceeded is returned when nested invocations go deeper than MaxInvokeDepth.
	ErrCallDepthExceeded = xerrors.New(CodeCallDepthExceeded, "cross-program invocation call depth too deep")
	// ErrReentrancy is returned when a program already on the call stack is invoked again.
	ErrReentrancy = xerrors.New(CodeReentrancy, "cross-program invocation reentrancy not allowed")
	// ErrBudgetExceeded is returned when the transaction compute meter is exhausted.
	ErrBudgetExceeded = xerrors.New(CodeBudgetExceeded, "computational budget exceeded")
	// ErrInvocationAborted wraps the error of a nested invocation that failed.
	ErrInvocationAborted = xerrors.New(CodeInvocationAborted, "nested invocation aborted")
	// ErrInvalidInstructionData is returned by programs that cannot parse their input.
	ErrInvalidInstructionData = xerrors.New(CodeInvalidInstructionData, "invalid instruction data")
	// ErrReturnDataTooLarge is returned when return data exceeds MaxReturnDataLength.
	ErrReturnDataTooLarge = xerrors.New(CodeReturnDataTooLarge, "return data too large")
	// ErrInvalidSeeds is returned when signer seeds do not derive a valid program address.
	ErrInvalidSeeds = xerrors.New(CodeInvalidSeeds, "provided seeds do not result in a valid address")
)

func init() {
	for code, attr := range map[xerrors.Code]xerrors.Attributes{
		CodeAccountAlreadyInUse:    {Message: "account already in use", Severity: xerrors.SeverityInfo},
		CodeAccountNotFound:        {Message: "account not found", Severity: xerrors.SeverityInfo},
		CodeAccountNotDeclared:     {Message: "account not declared", Severity: xerrors.SeverityWarning},
		CodeReadonlyModified:       {Message: "read-only account modified", Severity: xerrors.SeverityWarning},
		CodeExternalModified:       {Message: "external account modified", Severity: xerrors.SeverityWarning},
		CodeMissingSignature:       {Message: "missing signature", Severity: xerrors.SeverityInfo},
		CodePrivilegeEscalation:    {Message: "privilege escalation", Severity: xerrors.SeverityCritical, Alert: true},
		CodeUnknownProgram:         {Message: "unknown program", Severity: xerrors.SeverityWarning},
		CodeCallDepthExceeded:      {Message: "call depth exceeded", Severity: xerrors.SeverityWarning},
		CodeReentrancy:             {Message: "reentrancy", Severity: xerrors.SeverityWarning},
		CodeBudgetExceeded:         {Message: "compute budget exceeded", Severity: xerrors.SeverityWarning},
		CodeInvocationAborted:      {Message: "nested invocation aborted", Severity: xerrors.SeverityWarning},
		CodeInvalidInstructionData: {Message: "invalid instruction data", Severity: xerrors.SeverityInfo},
		CodeReturnDataTooLarge:     {Message: "return data too large", Severity: xerrors.SeverityInfo},
		CodeInvalidSeeds:           {Message: "invalid seeds", Severity: xerrors.SeverityInfo},
	} {
		xerrors.Register(code, attr)
	}
}

// TransactionError reports which top-level instruction aborted a transaction.
type TransactionError struct {
	Index int
	Err   error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("instruction %d failed: %v", e.Index, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

func errorf(base *xerrors.Error, format string, args ...any) *xerrors.Error {
	return xerrors.New(base.Code(), fmt.Sprintf(format, args...))
}
