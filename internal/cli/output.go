package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"OpenProof-Chain/sdk/go/openproof"
)

type printer struct {
	format string
	w      io.Writer
}

// emit writes v as indented JSON, or calls text for the text format.
func (p *printer) emit(v any, text func(w io.Writer)) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(p.w)
	return nil
}

func writeReceipt(w io.Writer, r openproof.Receipt) {
	fmt.Fprintf(w, "signature: %s\n", r.Signature)
	fmt.Fprintf(w, "slot:      %d\n", r.Slot)
	fmt.Fprintf(w, "units:     %d\n", r.ComputeUnits)
	if r.ReturnData != nil {
		fmt.Fprintf(w, "return:    %s %s\n", r.ReturnData.ProgramID, r.ReturnData.Data)
	}
	for _, line := range r.Logs {
		fmt.Fprintf(w, "  %s\n", line)
	}
}

func writeResult(w io.Writer, r openproof.Result) {
	fmt.Fprintf(w, "result: %s (valid=%t)\n", r.Kind, r.Valid)
	if r.Description != "" {
		fmt.Fprintf(w, "  %s\n", r.Description)
	}
	if r.ChainID != nil {
		fmt.Fprintf(w, "  chain_id: %d\n", *r.ChainID)
		fmt.Fprintf(w, "  contract: %s\n", r.EmittingContract)
		fmt.Fprintf(w, "  topics:   %s\n", strings.Join(r.Topics, ", "))
		fmt.Fprintf(w, "  data:     %s\n", r.UnindexedData)
	}
}

func writeJob(w io.Writer, j openproof.Job) {
	fmt.Fprintf(w, "%s  %-9s  attempts=%d/%d  tx=%s\n", j.ID, j.Status, j.Attempts, j.MaxRetries, j.TxSignature)
	if j.LastError != "" {
		fmt.Fprintf(w, "  error: [%s] %s\n", j.ErrorCode, j.LastError)
	}
	if j.Result != nil {
		fmt.Fprintf(w, "  valid=%t  %s\n", j.Result.Valid, j.Result.Summary)
	}
}
