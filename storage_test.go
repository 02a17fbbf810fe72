package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryTokenStorage(t *testing.T) {
	ctx := t.Context()
	storage := NewInMemoryTokenStorage()

	_, err := storage.RetrieveToken(ctx, "s1")
	require.Error(t, err)

	require.NoError(t, storage.StoreToken(ctx, "s1", "n1"))
	require.NoError(t, storage.StoreToken(ctx, "s1", "n2"))
	got, err := storage.RetrieveToken(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "n2", got)

	require.NoError(t, storage.RemoveToken(ctx, "s1"))
	require.Error(t, storage.RemoveToken(ctx, "s1"))
}

func TestInMemoryResultStorage(t *testing.T) {
	ctx := t.Context()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	storage := NewInMemoryResultStorage()
	storage.now = func() time.Time { return now }

	_, err := storage.RetrieveResult(ctx, "r1")
	require.ErrorIs(t, err, ErrResultNotFound)

	require.NoError(t, storage.StoreResult(ctx, "r1", []byte(`{"id":"r1"}`)))
	got, err := storage.RetrieveResult(ctx, "r1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"r1"}`, string(got))

	t.Run("expired results are gone", func(t *testing.T) {
		now = now.Add(ResultTimeout + time.Second)
		_, err := storage.RetrieveResult(ctx, "r1")
		require.ErrorIs(t, err, ErrResultNotFound)

		require.NoError(t, storage.StoreResult(ctx, "r2", []byte(`{}`)))
		require.Len(t, storage.results, 1)
	})
}
