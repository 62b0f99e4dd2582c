package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenProof-Chain/internal/ledger"
	"OpenProof-Chain/internal/program/system"
)

type funcProgram struct {
	id solana.PublicKey
	fn func(ic *ledger.InvokeContext, data []byte) error
}

func (p funcProgram) ProgramID() solana.PublicKey { return p.id }

func (p funcProgram) Process(ic *ledger.InvokeContext, data []byte) error { return p.fn(ic, data) }

func testKey(b byte) solana.PublicKey {
	var k solana.PublicKey
	for i := range k {
		k[i] = b
	}
	return k
}

func newRuntime(t *testing.T, programs ...ledger.Program) (*ledger.Runtime, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	rt := ledger.NewRuntime(store)
	require.NoError(t, rt.Register(system.New()))
	require.NoError(t, rt.Register(programs...))
	return rt, store
}

func seed(t *testing.T, store *ledger.MemoryStore, key, owner solana.PublicKey, data []byte) {
	t.Helper()
	require.NoError(t, store.Commit(context.Background(), map[solana.PublicKey]*ledger.Account{
		key: {Owner: owner, Data: data},
	}))
}

func writer(id solana.PublicKey) funcProgram {
	return funcProgram{id: id, fn: func(ic *ledger.InvokeContext, data []byte) error {
		meta, err := ic.AccountAt(0)
		if err != nil {
			return err
		}
		ic.Log("writing %d bytes", len(data))
		return ic.SetData(meta.PublicKey, data)
	}}
}

func failing(id solana.PublicKey) funcProgram {
	return funcProgram{id: id, fn: func(ic *ledger.InvokeContext, _ []byte) error {
		ic.Log("about to fail")
		return ledger.ErrInvalidInstructionData
	}}
}

func TestExecuteCommitsAndRecordsReceipt(t *testing.T) {
	progID, target, payer := testKey(1), testKey(2), testKey(3)
	rt, store := newRuntime(t, writer(progID))
	seed(t, store, target, progID, nil)

	receipt, err := rt.Execute(context.Background(), &ledger.Transaction{
		Instructions: []solana.Instruction{
			solana.NewInstruction(progID, solana.AccountMetaSlice{solana.Meta(target).WRITE()}, []byte("hello")),
		},
		Signers: []solana.PublicKey{payer},
	})
	require.NoError(t, err)
	require.NotNil(t, receipt)

	acc, err := store.Get(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), acc.Data)

	assert.Equal(t, fmt.Sprintf("Program %s invoke [1]", progID), receipt.Logs[0])
	assert.Equal(t, "Program log: writing 5 bytes", receipt.Logs[1])
	assert.Equal(t, fmt.Sprintf("Program %s success", progID), receipt.Logs[len(receipt.Logs)-1])
	assert.NotZero(t, receipt.ComputeUnits)

	got, ok := rt.History().Get(receipt.Signature)
	require.True(t, ok)
	assert.Equal(t, receipt.Slot, got.Slot)
}

func TestFailedTransactionLeavesNoState(t *testing.T) {
	progID, failID, target := testKey(1), testKey(4), testKey(2)
	var observed error
	store := ledger.NewMemoryStore()
	rt := ledger.NewRuntime(store, ledger.WithObserver(func(r *ledger.Receipt, err error) {
		assert.Nil(t, r)
		observed = err
	}))
	require.NoError(t, rt.Register(writer(progID), failing(failID)))
	seed(t, store, target, progID, []byte("before"))

	receipt, err := rt.Execute(context.Background(), &ledger.Transaction{
		Instructions: []solana.Instruction{
			solana.NewInstruction(progID, solana.AccountMetaSlice{solana.Meta(target).WRITE()}, []byte("after")),
			solana.NewInstruction(failID, nil, nil),
		},
	})
	require.Error(t, err)
	assert.Nil(t, receipt)
	assert.Equal(t, err, observed)

	var txErr *ledger.TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, 1, txErr.Index)
	assert.ErrorIs(t, err, ledger.ErrInvalidInstructionData)

	acc, err := store.Get(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), acc.Data)
	assert.Zero(t, rt.History().Len())
}

func TestDeclaredAccessIsEnforced(t *testing.T) {
	progID, other, target, undeclared := testKey(1), testKey(9), testKey(2), testKey(5)

	cases := []struct {
		name    string
		prepare func(store *ledger.MemoryStore)
		program funcProgram
		metas   solana.AccountMetaSlice
		want    error
	}{
		{
			name:    "read-only account",
			prepare: func(store *ledger.MemoryStore) { seed(t, store, target, progID, nil) },
			program: writer(progID),
			metas:   solana.AccountMetaSlice{solana.Meta(target)},
			want:    ledger.ErrReadonlyModified,
		},
		{
			name:    "foreign owner",
			prepare: func(store *ledger.MemoryStore) { seed(t, store, target, other, nil) },
			program: writer(progID),
			metas:   solana.AccountMetaSlice{solana.Meta(target).WRITE()},
			want:    ledger.ErrExternalModified,
		},
		{
			name:    "missing account",
			prepare: func(*ledger.MemoryStore) {},
			program: writer(progID),
			metas:   solana.AccountMetaSlice{solana.Meta(target).WRITE()},
			want:    ledger.ErrAccountNotFound,
		},
		{
			name:    "undeclared read",
			prepare: func(*ledger.MemoryStore) {},
			program: funcProgram{id: progID, fn: func(ic *ledger.InvokeContext, _ []byte) error {
				_, err := ic.Get(undeclared)
				return err
			}},
			want: ledger.ErrAccountNotDeclared,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt, store := newRuntime(t, tc.program)
			tc.prepare(store)
			_, err := rt.Execute(context.Background(), &ledger.Transaction{
				Instructions: []solana.Instruction{solana.NewInstruction(progID, tc.metas, []byte("x"))},
			})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestMissingSignatureRejectedBeforeExecution(t *testing.T) {
	progID, signer := testKey(1), testKey(3)
	ran := false
	rt, _ := newRuntime(t, funcProgram{id: progID, fn: func(*ledger.InvokeContext, []byte) error {
		ran = true
		return nil
	}})

	_, err := rt.Execute(context.Background(), &ledger.Transaction{
		Instructions: []solana.Instruction{
			solana.NewInstruction(progID, solana.AccountMetaSlice{solana.Meta(signer).SIGNER()}, nil),
		},
	})
	assert.ErrorIs(t, err, ledger.ErrMissingSignature)
	assert.False(t, ran)
}

func TestInvokeCannotEscalatePrivileges(t *testing.T) {
	callerID, calleeID, target := testKey(1), testKey(2), testKey(7)
	rt, store := newRuntime(t,
		funcProgram{id: callerID, fn: func(ic *ledger.InvokeContext, _ []byte) error {
			return ic.Invoke(solana.NewInstruction(calleeID, solana.AccountMetaSlice{solana.Meta(target).WRITE()}, []byte("y")))
		}},
		writer(calleeID),
	)
	seed(t, store, target, calleeID, nil)

	_, err := rt.Execute(context.Background(), &ledger.Transaction{
		Instructions: []solana.Instruction{
			solana.NewInstruction(callerID, solana.AccountMetaSlice{solana.Meta(target), solana.Meta(calleeID)}, nil),
		},
	})
	assert.ErrorIs(t, err, ledger.ErrPrivilegeEscalation)
}

func TestInvokeRejectsReentrancy(t *testing.T) {
	aID, bID := testKey(1), testKey(2)
	metas := solana.AccountMetaSlice{solana.Meta(aID), solana.Meta(bID)}
	rt, _ := newRuntime(t,
		funcProgram{id: aID, fn: func(ic *ledger.InvokeContext, data []byte) error {
			if len(data) > 0 {
				return nil
			}
			return ic.Invoke(solana.NewInstruction(bID, metas, nil))
		}},
		funcProgram{id: bID, fn: func(ic *ledger.InvokeContext, _ []byte) error {
			return ic.Invoke(solana.NewInstruction(aID, metas, []byte{1}))
		}},
	)

	_, err := rt.Execute(context.Background(), &ledger.Transaction{
		Instructions: []solana.Instruction{solana.NewInstruction(aID, metas, nil)},
	})
	assert.ErrorIs(t, err, ledger.ErrReentrancy)
	assert.ErrorIs(t, err, ledger.ErrInvocationAborted)
}

func TestInvokeDepthIsBounded(t *testing.T) {
	ids := []solana.PublicKey{testKey(1), testKey(2), testKey(3), testKey(4), testKey(5)}
	metas := solana.AccountMetaSlice{}
	for _, id := range ids {
		metas = append(metas, solana.Meta(id))
	}
	programs := make([]ledger.Program, len(ids))
	for i, id := range ids {
		i := i
		programs[i] = funcProgram{id: id, fn: func(ic *ledger.InvokeContext, _ []byte) error {
			if i+1 == len(ids) {
				return nil
			}
			return ic.Invoke(solana.NewInstruction(ids[i+1], metas, nil))
		}}
	}
	rt, _ := newRuntime(t, programs...)

	_, err := rt.Execute(context.Background(), &ledger.Transaction{
		Instructions: []solana.Instruction{solana.NewInstruction(ids[0], metas, nil)},
	})
	assert.ErrorIs(t, err, ledger.ErrCallDepthExceeded)
}

func TestReturnDataOriginAndReset(t *testing.T) {
	callerID, setterID, silentID := testKey(1), testKey(2), testKey(3)
	metas := solana.AccountMetaSlice{solana.Meta(setterID), solana.Meta(silentID)}

	var afterSetter, afterSilent bool
	var origin solana.PublicKey
	var payload []byte
	rt, _ := newRuntime(t,
		funcProgram{id: callerID, fn: func(ic *ledger.InvokeContext, _ []byte) error {
			if err := ic.Invoke(solana.NewInstruction(setterID, nil, nil)); err != nil {
				return err
			}
			rd, ok := ic.ReturnData()
			afterSetter, origin, payload = ok, rd.ProgramID, rd.Data
			if err := ic.Invoke(solana.NewInstruction(silentID, nil, nil)); err != nil {
				return err
			}
			_, afterSilent = ic.ReturnData()
			return nil
		}},
		funcProgram{id: setterID, fn: func(ic *ledger.InvokeContext, _ []byte) error {
			return ic.SetReturnData([]byte{7, 7})
		}},
		funcProgram{id: silentID, fn: func(*ledger.InvokeContext, []byte) error { return nil }},
	)

	_, err := rt.Execute(context.Background(), &ledger.Transaction{
		Instructions: []solana.Instruction{solana.NewInstruction(callerID, metas, nil)},
	})
	require.NoError(t, err)
	assert.True(t, afterSetter)
	assert.Equal(t, setterID, origin)
	assert.Equal(t, []byte{7, 7}, payload)
	assert.False(t, afterSilent, "return data must be cleared when the next instruction starts")
}

func TestReturnDataTooLarge(t *testing.T) {
	progID := testKey(1)
	rt, _ := newRuntime(t, funcProgram{id: progID, fn: func(ic *ledger.InvokeContext, _ []byte) error {
		return ic.SetReturnData(make([]byte, ledger.MaxReturnDataLength+1))
	}})
	_, err := rt.Execute(context.Background(), &ledger.Transaction{
		Instructions: []solana.Instruction{solana.NewInstruction(progID, nil, nil)},
	})
	assert.ErrorIs(t, err, ledger.ErrReturnDataTooLarge)
}

func TestBudgetExhaustionInNestedCallAbortsChain(t *testing.T) {
	callerID, hungryID, target := testKey(1), testKey(2), testKey(6)
	rt, store := newRuntime(t,
		funcProgram{id: callerID, fn: func(ic *ledger.InvokeContext, _ []byte) error {
			if err := ic.SetData(target, []byte("partial")); err != nil {
				return err
			}
			// the failure is swallowed here on purpose
			_ = ic.Invoke(solana.NewInstruction(hungryID, nil, nil))
			return nil
		}},
		funcProgram{id: hungryID, fn: func(ic *ledger.InvokeContext, _ []byte) error {
			return ic.Consume(ledger.MaxComputeUnitLimit)
		}},
	)
	seed(t, store, target, callerID, nil)

	_, err := rt.Execute(context.Background(), &ledger.Transaction{
		Instructions: []solana.Instruction{
			solana.NewInstruction(callerID, solana.AccountMetaSlice{solana.Meta(target).WRITE(), solana.Meta(hungryID)}, nil),
		},
		ComputeUnitLimit: 50_000,
	})
	assert.ErrorIs(t, err, ledger.ErrBudgetExceeded)

	acc, err := store.Get(context.Background(), target)
	require.NoError(t, err)
	assert.Empty(t, acc.Data)
}

func TestCreateAccountThroughSystemProgram(t *testing.T) {
	progID, payer := testKey(1), testKey(3)
	pda, bump, err := solana.FindProgramAddress([][]byte{[]byte("vault")}, progID)
	require.NoError(t, err)

	rt, store := newRuntime(t, funcProgram{id: progID, fn: func(ic *ledger.InvokeContext, _ []byte) error {
		create := system.NewCreateAccountInstruction(payer, pda, progID, 16, 0)
		return ic.InvokeSigned(create, [][]byte{[]byte("vault"), {bump}})
	}})
	tx := &ledger.Transaction{
		Instructions: []solana.Instruction{solana.NewInstruction(progID, solana.AccountMetaSlice{
			solana.Meta(pda).WRITE(),
			solana.Meta(payer).WRITE().SIGNER(),
			solana.Meta(solana.SystemProgramID),
		}, nil)},
		Signers: []solana.PublicKey{payer},
	}

	_, err = rt.Execute(context.Background(), tx)
	require.NoError(t, err)
	acc, err := store.Get(context.Background(), pda)
	require.NoError(t, err)
	assert.Equal(t, progID, acc.Owner)
	assert.Len(t, acc.Data, 16)

	_, err = rt.Execute(context.Background(), tx)
	assert.ErrorIs(t, err, ledger.ErrAccountAlreadyInUse)
}

func TestInvokeSignedRejectsForeignSeeds(t *testing.T) {
	progID, payer := testKey(1), testKey(3)
	pda, _, err := solana.FindProgramAddress([][]byte{[]byte("vault")}, progID)
	require.NoError(t, err)

	rt, _ := newRuntime(t, funcProgram{id: progID, fn: func(ic *ledger.InvokeContext, _ []byte) error {
		create := system.NewCreateAccountInstruction(payer, pda, progID, 16, 0)
		return ic.InvokeSigned(create, [][]byte{[]byte("other")})
	}})
	_, err = rt.Execute(context.Background(), &ledger.Transaction{
		Instructions: []solana.Instruction{solana.NewInstruction(progID, solana.AccountMetaSlice{
			solana.Meta(pda).WRITE(),
			solana.Meta(payer).WRITE().SIGNER(),
			solana.Meta(solana.SystemProgramID),
		}, nil)},
		Signers: []solana.PublicKey{payer},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrPrivilegeEscalation) || errors.Is(err, ledger.ErrInvalidSeeds))
}

func TestInstructionsSysvarDescribesTransaction(t *testing.T) {
	progID, noopID := testKey(1), testKey(2)
	var decoded *ledger.InstructionsSysvar
	rt, _ := newRuntime(t,
		funcProgram{id: noopID, fn: func(*ledger.InvokeContext, []byte) error { return nil }},
		funcProgram{id: progID, fn: func(ic *ledger.InvokeContext, _ []byte) error {
			acc, err := ic.Get(solana.SysVarInstructionsPubkey)
			if err != nil {
				return err
			}
			assert.Equal(t, ledger.SysvarOwnerID, acc.Owner)
			decoded, err = ledger.DecodeInstructionsSysvar(acc.Data)
			return err
		}},
	)

	_, err := rt.Execute(context.Background(), &ledger.Transaction{
		Instructions: []solana.Instruction{
			solana.NewInstruction(noopID, nil, []byte{1}),
			solana.NewInstruction(progID, solana.AccountMetaSlice{solana.Meta(solana.SysVarInstructionsPubkey)}, []byte{2, 3}),
		},
	})
	require.NoError(t, err)
	require.NotNil(t, decoded)
	require.Len(t, decoded.Instructions, 2)
	assert.Equal(t, uint16(1), decoded.Current)
	current, ok := decoded.CurrentInstruction()
	require.True(t, ok)
	assert.Equal(t, progID, current.ProgramID)
	assert.Equal(t, []byte{2, 3}, current.Data)
	assert.Equal(t, solana.SysVarInstructionsPubkey, current.Accounts[0].PublicKey)
}

func TestHistorySinceAndCapacity(t *testing.T) {
	progID := testKey(1)
	store := ledger.NewMemoryStore()
	rt := ledger.NewRuntime(store, ledger.WithHistoryCapacity(3))
	require.NoError(t, rt.Register(funcProgram{id: progID, fn: func(*ledger.InvokeContext, []byte) error { return nil }}))

	var slots []uint64
	for i := 0; i < 5; i++ {
		r, err := rt.Execute(context.Background(), &ledger.Transaction{
			Instructions: []solana.Instruction{solana.NewInstruction(progID, nil, []byte{byte(i)})},
		})
		require.NoError(t, err)
		slots = append(slots, r.Slot)
	}

	assert.Equal(t, 3, rt.History().Len())
	since := rt.History().Since(slots[2], 0)
	require.Len(t, since, 2)
	assert.Equal(t, slots[3], since[0].Slot)
	assert.Equal(t, slots[4], since[1].Slot)
	assert.Len(t, rt.History().Since(0, 1), 1)
}

func TestLogDataEncodesFields(t *testing.T) {
	progID := testKey(1)
	rt, _ := newRuntime(t, funcProgram{id: progID, fn: func(ic *ledger.InvokeContext, _ []byte) error {
		ic.LogData([]byte("ab"), []byte{0xff})
		return nil
	}})
	receipt, err := rt.Execute(context.Background(), &ledger.Transaction{
		Instructions: []solana.Instruction{solana.NewInstruction(progID, nil, nil)},
	})
	require.NoError(t, err)
	found := false
	for _, line := range receipt.Logs {
		if strings.HasPrefix(line, "Program data: ") {
			found = true
			assert.Equal(t, "Program data: YWI= /w==", line)
		}
	}
	assert.True(t, found)
}

func TestRegisterDuplicateProgram(t *testing.T) {
	rt := ledger.NewRuntime(ledger.NewMemoryStore())
	require.NoError(t, rt.Register(system.New()))
	assert.Error(t, rt.Register(system.New()))
}
