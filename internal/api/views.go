package api

import (
	"encoding/base64"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"OpenProof-Chain/internal/client"
	"OpenProof-Chain/internal/ledger"
	"OpenProof-Chain/internal/proof"
)

// ReceiptView is the JSON form of a committed transaction.
type ReceiptView struct {
	Signature    string          `json:"signature"`
	Slot         uint64          `json:"slot"`
	BlockTime    time.Time       `json:"block_time"`
	ComputeUnits uint64          `json:"compute_units"`
	Logs         []string        `json:"logs"`
	ReturnData   *ReturnDataView `json:"return_data,omitempty"`
}

// ReturnDataView carries the last return data of a transaction, base64 encoded.
type ReturnDataView struct {
	ProgramID string `json:"program_id"`
	Data      string `json:"data"`
}

func newReceiptView(r *ledger.Receipt) ReceiptView {
	view := ReceiptView{
		Signature:    r.Signature.String(),
		Slot:         r.Slot,
		BlockTime:    r.BlockTime,
		ComputeUnits: r.ComputeUnits,
		Logs:         r.Logs,
	}
	if view.Logs == nil {
		view.Logs = []string{}
	}
	if r.ReturnData != nil {
		view.ReturnData = &ReturnDataView{
			ProgramID: r.ReturnData.ProgramID.String(),
			Data:      base64.StdEncoding.EncodeToString(r.ReturnData.Data),
		}
	}
	return view
}

// ResultView renders a validation result. Valid fields are hex encoded.
type ResultView struct {
	Kind             string   `json:"kind"`
	Valid            bool     `json:"valid"`
	Description      string   `json:"description"`
	ChainID          *uint32  `json:"chain_id,omitempty"`
	EmittingContract string   `json:"emitting_contract,omitempty"`
	Topics           []string `json:"topics,omitempty"`
	UnindexedData    string   `json:"unindexed_data,omitempty"`
}

func newResultView(r proof.Result) ResultView {
	view := ResultView{Kind: r.Kind.String(), Valid: r.IsValid(), Description: r.Description()}
	if r.IsValid() {
		chainID := r.Valid.ChainID
		view.ChainID = &chainID
		view.EmittingContract = r.Valid.Event.ContractHex()
		view.Topics = make([]string, len(r.Valid.Event.Topics))
		for i, t := range r.Valid.Event.Topics {
			view.Topics[i] = hexutil.Encode(t)
		}
		view.UnindexedData = hexutil.Encode(r.Valid.Event.UnindexedData)
	}
	return view
}

// ValidationView is the response of POST /api/v1/proofs/validate.
type ValidationView struct {
	Transaction ReceiptView `json:"transaction"`
	Result      ResultView  `json:"result"`
}

func newValidationView(v *client.Validation) ValidationView {
	return ValidationView{Transaction: newReceiptView(v.Receipt), Result: newResultView(v.Result)}
}

// LoadView is the response of POST /api/v1/proofs/load.
type LoadView struct {
	Bytes        int           `json:"bytes"`
	Chunks       int           `json:"chunks"`
	Transactions []ReceiptView `json:"transactions"`
}

// NonceView is the response of GET /api/v1/logger/nonce.
type NonceView struct {
	Initialized bool   `json:"initialized"`
	Nonce       uint64 `json:"nonce"`
}
