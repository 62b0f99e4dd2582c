package proofrelay_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/ledger"
	"OpenProof-Chain/internal/program/anchor"
	"OpenProof-Chain/internal/program/proofrelay"
	"OpenProof-Chain/internal/program/system"
	"OpenProof-Chain/internal/program/verifier"
	"OpenProof-Chain/internal/proof"
)

var (
	authority = solana.MustPublicKeyFromBase58("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
	impostor  = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	echoID    = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
)

type funcProgram struct {
	id solana.PublicKey
	fn func(ic *ledger.InvokeContext, data []byte) error
}

func (p funcProgram) ProgramID() solana.PublicKey { return p.id }

func (p funcProgram) Process(ic *ledger.InvokeContext, data []byte) error { return p.fn(ic, data) }

func newRuntime(t *testing.T, programs ...ledger.Program) (*ledger.Runtime, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	rt := ledger.NewRuntime(store)
	require.NoError(t, rt.Register(system.New(), proofrelay.New()))
	require.NoError(t, rt.Register(programs...))
	return rt, store
}

func accounts(t *testing.T, remaining ...*solana.AccountMeta) proofrelay.Accounts {
	t.Helper()
	accts, err := proofrelay.DefaultAccounts(authority)
	require.NoError(t, err)
	accts.Remaining = remaining
	return accts
}

func execute(rt *ledger.Runtime, ix solana.Instruction, limit uint64) (*ledger.Receipt, error) {
	return rt.Execute(context.Background(), &ledger.Transaction{
		Instructions:     []solana.Instruction{ix},
		Signers:          []solana.PublicKey{authority},
		ComputeUnitLimit: limit,
	})
}

func load(t *testing.T, rt *ledger.Runtime, payload []byte, chunks int) {
	t.Helper()
	size := (len(payload) + chunks - 1) / chunks
	for start := 0; start < len(payload); start += size {
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		ix, err := proofrelay.NewLoadProofInstruction(proofrelay.ProgramID, proofrelay.VerifierID, accounts(t), payload[start:end])
		require.NoError(t, err)
		_, err = execute(rt, ix, 0)
		require.NoError(t, err)
	}
}

func validate(t *testing.T, rt *ledger.Runtime, limit uint64, remaining ...*solana.AccountMeta) (*ledger.Receipt, error) {
	t.Helper()
	ix, err := proofrelay.NewValidateProofInstruction(proofrelay.ProgramID, proofrelay.VerifierID, accounts(t, remaining...))
	require.NoError(t, err)
	return execute(rt, ix, limit)
}

func hasPrefix(logs []string, prefix string) bool {
	for _, line := range logs {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func sampleValid() proof.Result {
	var contract [proof.ContractAddressLength]byte
	copy(contract[:], []byte{0xde, 0xad, 0xbe, 0xef})
	return proof.NewValid(11155420, proof.Event{
		EmittingContract: contract,
		Topics:           [][]byte{{0x01}, {0x02, 0x03}},
		UnindexedData:    []byte("Key: foo, Value: bar, Nonce: 1"),
	})
}

func TestValidateEmitsSuccessForValidResult(t *testing.T) {
	rt, _ := newRuntime(t, verifier.New())
	result := sampleValid()
	payload, err := proof.Encode(result)
	require.NoError(t, err)
	load(t, rt, payload, 4)

	receipt, err := validate(t, rt, 0)
	require.NoError(t, err)
	assert.Contains(t, receipt.Logs, "Program log: Instruction: ValidateProof")
	assert.Contains(t, receipt.Logs, "Program log: Proof validated: "+result.Valid.Summary())
	assert.False(t, hasPrefix(receipt.Logs, "Program log: Proof validation failed"))

	require.NotNil(t, receipt.ReturnData)
	assert.Equal(t, proofrelay.VerifierID, receipt.ReturnData.ProgramID)
	assert.Equal(t, payload, receipt.ReturnData.Data)

	var event proofrelay.ProofValidatedEvent
	found := false
	for _, line := range receipt.Logs {
		encoded, ok := strings.CutPrefix(line, "Program data: ")
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		require.NoError(t, err)
		if ok, err := anchor.DecodeEvent(proofrelay.EventProofValidated, raw, &event); ok {
			require.NoError(t, err)
			found = true
		}
	}
	require.True(t, found)
	assert.Equal(t, result.Valid.ChainID, event.ChainID)
	assert.Equal(t, result.Valid.Event.EmittingContract, event.EmittingContract)
	assert.Equal(t, result.Valid.Event.Topics, event.Topics)
	assert.Equal(t, result.Valid.Event.UnindexedData, event.UnindexedData)
}

func TestValidateLogsRejectionDescription(t *testing.T) {
	kinds := []proof.Kind{
		proof.KindInvalidProof,
		proof.KindInvalidSignature,
		proof.KindUnknownClient,
		proof.KindStateRootMismatch,
	}
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			rt, _ := newRuntime(t, verifier.New(verifier.WithVerifier(verifier.Static(proof.NewRejection(kind)))))
			load(t, rt, []byte("opaque proof bytes"), 1)

			receipt, err := validate(t, rt, 0)
			require.NoError(t, err)
			assert.Contains(t, receipt.Logs, "Program log: Proof validation failed: "+proof.NewRejection(kind).Description())
			assert.False(t, hasPrefix(receipt.Logs, "Program log: Proof validated"))
		})
	}
}

func TestValidateWithoutLoadedProof(t *testing.T) {
	rt, _ := newRuntime(t, verifier.New())
	receipt, err := validate(t, rt, 0)
	require.NoError(t, err)
	assert.Contains(t, receipt.Logs, "Program log: Proof validation failed: no proof loaded in cache")
}

func TestMismatchedVerifierRejectedBeforeInvocation(t *testing.T) {
	invoked := false
	rt, _ := newRuntime(t, verifier.New(), funcProgram{id: impostor, fn: func(*ledger.InvokeContext, []byte) error {
		invoked = true
		return nil
	}})

	loadIx, err := proofrelay.NewLoadProofInstruction(proofrelay.ProgramID, impostor, accounts(t), []byte{1, 2, 3})
	require.NoError(t, err)
	_, err = execute(rt, loadIx, 0)
	assert.ErrorIs(t, err, proofrelay.ErrProgramIDMismatch)

	val, err := proofrelay.NewValidateProofInstruction(proofrelay.ProgramID, impostor, accounts(t))
	require.NoError(t, err)
	_, err = execute(rt, val, 0)
	assert.ErrorIs(t, err, proofrelay.ErrProgramIDMismatch)

	code, ok := xerrors.ProgramCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, uint32(6002), code)
	assert.False(t, invoked)
}

func TestMissingReturn(t *testing.T) {
	rt, _ := newRuntime(t, funcProgram{id: proofrelay.VerifierID, fn: func(*ledger.InvokeContext, []byte) error {
		return nil
	}})
	receipt, err := validate(t, rt, 0)
	assert.Nil(t, receipt)
	assert.ErrorIs(t, err, proofrelay.ErrMissingReturn)
	code, ok := xerrors.ProgramCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, uint32(6000), code)
}

func TestWrongProgramNeverDecoded(t *testing.T) {
	payload, err := proof.Encode(sampleValid())
	require.NoError(t, err)

	rt, _ := newRuntime(t,
		funcProgram{id: proofrelay.VerifierID, fn: func(ic *ledger.InvokeContext, _ []byte) error {
			return ic.Invoke(solana.NewInstruction(echoID, nil, payload))
		}},
		funcProgram{id: echoID, fn: func(ic *ledger.InvokeContext, data []byte) error {
			return ic.SetReturnData(data)
		}},
	)

	receipt, err := validate(t, rt, 0, solana.Meta(echoID))
	assert.Nil(t, receipt)
	assert.ErrorIs(t, err, proofrelay.ErrWrongProgram)
	assert.NotEqual(t, proof.CodeDecodeFailed, xerrors.CodeOf(err))
	assert.Zero(t, rt.History().Len())
}

func TestUndecodableResult(t *testing.T) {
	rt, _ := newRuntime(t, funcProgram{id: proofrelay.VerifierID, fn: func(ic *ledger.InvokeContext, _ []byte) error {
		return ic.SetReturnData([]byte{0x2a, 0x00})
	}})
	_, err := validate(t, rt, 0)
	require.Error(t, err)
	assert.Equal(t, proof.CodeDecodeFailed, xerrors.CodeOf(err))
	code, ok := xerrors.ProgramCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, uint32(6003), code)
	assert.ErrorIs(t, err, proofrelay.ErrInvalidResult)
	assert.NotErrorIs(t, err, proofrelay.ErrWrongProgram)
	assert.NotErrorIs(t, err, proofrelay.ErrMissingReturn)
}

func TestVerifierAbortAbortsRelay(t *testing.T) {
	rt, _ := newRuntime(t, funcProgram{id: proofrelay.VerifierID, fn: func(ic *ledger.InvokeContext, _ []byte) error {
		_ = ic.SetReturnData([]byte{0x00})
		return fmt.Errorf("verifier exploded")
	}})
	receipt, err := validate(t, rt, 0)
	assert.Nil(t, receipt)
	assert.ErrorIs(t, err, ledger.ErrInvocationAborted)
}

func TestBudgetExhaustionRollsBackWholeChain(t *testing.T) {
	rt, store := newRuntime(t, verifier.New())
	big := make([]byte, 40_000)
	load(t, rt, big, 8)

	cache, _, err := verifier.CacheAddress(authority)
	require.NoError(t, err)
	internal, _, err := verifier.InternalAddress()
	require.NoError(t, err)

	_, err = validate(t, rt, 20_000)
	assert.ErrorIs(t, err, ledger.ErrBudgetExceeded)

	acc, err := store.Get(context.Background(), cache)
	require.NoError(t, err)
	state, err := verifier.DecodeCache(acc.Data)
	require.NoError(t, err)
	assert.Len(t, state.Proof, len(big), "cache must survive the aborted validation")

	_, err = store.Get(context.Background(), internal)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestLoadProofForwardsBytesVerbatim(t *testing.T) {
	var received []byte
	rt, _ := newRuntime(t, funcProgram{id: proofrelay.VerifierID, fn: func(_ *ledger.InvokeContext, data []byte) error {
		received = append([]byte(nil), data...)
		return nil
	}})
	chunk := []byte{0x00, 0xff, 0x10, 0x20}
	ix, err := proofrelay.NewLoadProofInstruction(proofrelay.ProgramID, proofrelay.VerifierID, accounts(t), chunk)
	require.NoError(t, err)
	_, err = execute(rt, ix, 0)
	require.NoError(t, err)

	disc := anchor.InstructionDiscriminator(proofrelay.InstructionLoadProof)
	want := append(disc[:], 0x04, 0x00, 0x00, 0x00)
	want = append(want, chunk...)
	assert.Equal(t, want, received)
}
