package anchor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/program/anchor"
)

type counter struct {
	Nonce uint64
	Bump  uint8
}

func TestInstructionDiscriminator(t *testing.T) {
	got := anchor.InstructionDiscriminator("initialize")
	assert.Equal(t, anchor.Discriminator{175, 175, 109, 31, 13, 152, 155, 237}, got)
	assert.NotEqual(t, got, anchor.AccountDiscriminator("initialize"))
}

func TestAccountRoundTrip(t *testing.T) {
	data, err := anchor.EncodeAccount("Counter", counter{Nonce: 7, Bump: 254})
	require.NoError(t, err)
	require.Len(t, data, anchor.DiscriminatorLength+9)

	var decoded counter
	require.NoError(t, anchor.DecodeAccount("Counter", data, &decoded))
	assert.Equal(t, counter{Nonce: 7, Bump: 254}, decoded)
}

func TestDecodeAccountRejectsForeignData(t *testing.T) {
	data, err := anchor.EncodeAccount("Other", counter{Nonce: 1})
	require.NoError(t, err)

	var decoded counter
	err = anchor.DecodeAccount("Counter", data, &decoded)
	assert.ErrorIs(t, err, anchor.ErrAccountDiscriminatorMismatch)
	code, ok := xerrors.ProgramCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, uint32(3002), code)

	err = anchor.DecodeAccount("Counter", []byte{1, 2, 3}, &decoded)
	assert.ErrorIs(t, err, anchor.ErrAccountDiscriminatorNotFound)
}

func TestDecodeEventIgnoresOtherEvents(t *testing.T) {
	var decoded counter
	ok, err := anchor.DecodeEvent("KeyValue", []byte("short"), &decoded)
	require.NoError(t, err)
	assert.False(t, ok)
}
