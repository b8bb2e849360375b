package revocation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveSecretDeterministic(t *testing.T) {
	seed := [32]byte{1, 2, 3}
	a := DeriveSecret(seed, 5)
	b := DeriveSecret(seed, 5)
	require.Equal(t, a, b)

	c := DeriveSecret(seed, 6)
	require.NotEqual(t, a, c)
}

func TestStoreInsertAndDerive(t *testing.T) {
	producer, err := NewProducer()
	require.NoError(t, err)

	store := NewStore()
	for i := uint64(0); i < 20; i++ {
		secret := producer.SecretForIndex(i)
		require.NoError(t, store.Insert(i, secret))
	}

	for i := uint64(0); i < 20; i++ {
		got, err := store.Derive(i)
		require.NoError(t, err)
		require.Equal(t, producer.SecretForIndex(i), got)
	}
}

func TestStoreRejectsInconsistentSecret(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Insert(0, [32]byte{9, 9, 9}))
	err := store.Insert(1, [32]byte{1, 1, 1})
	require.Error(t, err)
}
