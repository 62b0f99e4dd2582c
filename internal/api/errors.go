package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/ledger"
	"OpenProof-Chain/internal/program/anchor"
	"OpenProof-Chain/internal/task"
)

type errorBody struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	ProgramCode *uint32           `json:"program_code,omitempty"`
	Instruction *int              `json:"instruction,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func statusOf(err error) int {
	var txErr *ledger.TransactionError
	switch code := xerrors.CodeOf(err); {
	case code == xerrors.CodeInvalidArgument, code == task.CodeTaskValidation, code == anchor.CodeInstructionDidNotDeserialize:
		return http.StatusBadRequest
	case code == xerrors.CodeNotFound, code == task.CodeTaskNotFound:
		return http.StatusNotFound
	case code == xerrors.CodeConflict, code == task.CodeTaskConflict, errors.Is(err, ledger.ErrAccountAlreadyInUse):
		return http.StatusConflict
	case code == xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case code == xerrors.CodeUpstreamFailure:
		return http.StatusBadGateway
	case code == xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case errors.As(err, &txErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusOf(err)
	body := errorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if pc, ok := xerrors.ProgramCodeOf(err); ok {
		body.ProgramCode = &pc
	}
	var txErr *ledger.TransactionError
	if errors.As(err, &txErr) {
		idx := txErr.Index
		body.Instruction = &idx
	}
	if e, ok := xerrors.From(err); ok {
		body.Metadata = e.Metadata()
	}
	c.AbortWithStatusJSON(status, gin.H{"error": body})
}

func badRequest(c *gin.Context, message string) {
	writeError(c, xerrors.New(xerrors.CodeInvalidArgument, message))
}

func unavailable(c *gin.Context, what string) {
	writeError(c, xerrors.New(xerrors.CodeInitializationFailure, what+" 未启用"))
}
