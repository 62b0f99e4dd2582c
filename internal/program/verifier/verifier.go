// Package verifier is a local stand-in for the external proof verifier. It
// keeps the same entry points and account layout: proofs are uploaded in
// chunks into a per-authority cache and validate_proof answers through the
// return-data side channel. How a proof is judged is pluggable.
package verifier

import (
	"OpenProof-Chain/internal/proof"
)

// Verifier judges the bytes accumulated in a proof cache.
type Verifier interface {
	Verify(data []byte) proof.Result
}

// Func adapts a function to Verifier.
type Func func(data []byte) proof.Result

// Verify implements Verifier.
func (f Func) Verify(data []byte) proof.Result {
	return f(data)
}

// EnvelopeVerifier accepts proofs that already carry an encoded result, as
// produced by an attestation service the node trusts.
type EnvelopeVerifier struct{}

// Verify implements Verifier.
func (EnvelopeVerifier) Verify(data []byte) proof.Result {
	if len(data) == 0 {
		return proof.NewRejection(proof.KindProofNotLoaded)
	}
	result, err := proof.Decode(data)
	if err != nil {
		return proof.NewRejection(proof.KindInvalidProof)
	}
	return result
}

// Static always returns the same result.
type Static proof.Result

// Verify implements Verifier.
func (s Static) Verify(data []byte) proof.Result {
	if len(data) == 0 {
		return proof.NewRejection(proof.KindProofNotLoaded)
	}
	return proof.Result(s)
}
