package verifier_test

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenProof-Chain/internal/ledger"
	"OpenProof-Chain/internal/program/anchor"
	"OpenProof-Chain/internal/program/system"
	"OpenProof-Chain/internal/program/verifier"
	"OpenProof-Chain/internal/proof"
)

var authority = solana.MustPublicKeyFromBase58("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")

func setup(t *testing.T, opts ...verifier.Option) (*ledger.Runtime, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	rt := ledger.NewRuntime(store)
	require.NoError(t, rt.Register(system.New(), verifier.New(opts...)))
	return rt, store
}

func run(t *testing.T, rt *ledger.Runtime, ix solana.Instruction, ixErr error) (*ledger.Receipt, error) {
	t.Helper()
	require.NoError(t, ixErr)
	return rt.Execute(context.Background(), &ledger.Transaction{
		Instructions: []solana.Instruction{ix},
		Signers:      []solana.PublicKey{authority},
	})
}

func cacheContents(t *testing.T, store *ledger.MemoryStore) []byte {
	t.Helper()
	addr, _, err := verifier.CacheAddress(authority)
	require.NoError(t, err)
	acc, err := store.Get(context.Background(), addr)
	require.NoError(t, err)
	cache, err := verifier.DecodeCache(acc.Data)
	require.NoError(t, err)
	return cache.Proof
}

func TestLoadProofAccumulatesChunks(t *testing.T) {
	rt, store := setup(t)
	for _, chunk := range [][]byte{{1, 2}, {3}, {4, 5, 6}} {
		ix, err := verifier.NewLoadProofInstruction(authority, chunk)
		_, err = run(t, rt, ix, err)
		require.NoError(t, err)
	}
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, cacheContents(t, store))
}

func TestLoadProofRejectsOversizedCache(t *testing.T) {
	rt, store := setup(t)
	ix, err := verifier.NewLoadProofInstruction(authority, make([]byte, verifier.MaxProofSize))
	_, err = run(t, rt, ix, err)
	require.NoError(t, err)

	ix, err = verifier.NewLoadProofInstruction(authority, []byte{1})
	_, err = run(t, rt, ix, err)
	assert.ErrorIs(t, err, verifier.ErrProofTooLarge)
	assert.Len(t, cacheContents(t, store), verifier.MaxProofSize)
}

func TestValidateReturnsResultAndClearsCache(t *testing.T) {
	rt, store := setup(t)
	payload, err := proof.Encode(proof.NewValid(7, proof.Event{UnindexedData: []byte{9}}))
	require.NoError(t, err)
	ix, err := verifier.NewLoadProofInstruction(authority, payload)
	_, err = run(t, rt, ix, err)
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		ix, err = verifier.NewValidateProofInstruction(authority)
		receipt, err := run(t, rt, ix, err)
		require.NoError(t, err)
		require.NotNil(t, receipt.ReturnData)
		assert.Equal(t, verifier.ProgramID, receipt.ReturnData.ProgramID)

		result, err := proof.Decode(receipt.ReturnData.Data)
		require.NoError(t, err)
		if i == 1 {
			assert.True(t, result.IsValid())
		} else {
			assert.Equal(t, proof.KindProofNotLoaded, result.Kind)
		}
		assert.Empty(t, cacheContents(t, store))

		internal, _, err := verifier.InternalAddress()
		require.NoError(t, err)
		acc, err := store.Get(context.Background(), internal)
		require.NoError(t, err)
		var state verifier.InternalState
		require.NoError(t, anchor.DecodeAccount(verifier.InternalAccountName, acc.Data, &state))
		assert.Equal(t, uint64(i), state.Validations)
	}
}

func TestValidateRequiresInstructionsSysvar(t *testing.T) {
	rt, _ := setup(t)
	cache, _, err := verifier.CacheAddress(authority)
	require.NoError(t, err)
	internal, _, err := verifier.InternalAddress()
	require.NoError(t, err)

	ix, err := anchor.NewInstruction(verifier.ProgramID, verifier.InstructionValidateProof, solana.AccountMetaSlice{
		solana.Meta(cache).WRITE(),
		solana.Meta(authority).WRITE().SIGNER(),
		solana.Meta(internal).WRITE(),
		solana.Meta(solana.SysVarClockPubkey),
		solana.Meta(solana.SystemProgramID),
	})
	_, err = run(t, rt, ix, err)
	assert.ErrorIs(t, err, verifier.ErrInvalidSysvar)
}

func TestEnvelopeVerifier(t *testing.T) {
	v := verifier.EnvelopeVerifier{}
	assert.Equal(t, proof.KindProofNotLoaded, v.Verify(nil).Kind)
	assert.Equal(t, proof.KindInvalidProof, v.Verify([]byte{0xee}).Kind)

	payload, err := proof.Encode(proof.NewRejection(proof.KindUnknownClient))
	require.NoError(t, err)
	assert.Equal(t, proof.KindUnknownClient, v.Verify(payload).Kind)
}
