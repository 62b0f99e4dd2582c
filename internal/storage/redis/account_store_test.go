package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gagliardetto/solana-go"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenProof-Chain/internal/ledger"
)

func newStore(t *testing.T) (*AccountStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := NewAccountStoreWithClient(client, "test:", time.Second)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestAccountStoreRoundTrip(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	key := solana.NewWallet().PublicKey()
	owner := solana.SystemProgramID

	_, err := store.Get(ctx, key)
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)

	require.NoError(t, store.Commit(ctx, map[solana.PublicKey]*ledger.Account{
		key: {Owner: owner, Data: []byte{1, 2, 3}},
	}))
	assert.True(t, mr.Exists("test:"+key.String()))

	acc, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, owner, acc.Owner)
	assert.Equal(t, []byte{1, 2, 3}, acc.Data)
	assert.False(t, acc.Executable)
}

func TestAccountStoreBacksRuntime(t *testing.T) {
	store, _ := newStore(t)
	rt := ledger.NewRuntime(store)
	ctx := context.Background()

	key := solana.NewWallet().PublicKey()
	require.NoError(t, store.Commit(ctx, map[solana.PublicKey]*ledger.Account{
		key: {Owner: solana.SystemProgramID, Data: []byte("state")},
	}))
	acc, err := rt.Account(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), acc.Data)
}

func TestAccountStoreSurfacesFailures(t *testing.T) {
	store, mr := newStore(t)
	mr.Close()

	_, err := store.Get(context.Background(), solana.NewWallet().PublicKey())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ledger.ErrAccountNotFound)
}
