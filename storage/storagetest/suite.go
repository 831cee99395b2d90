// Package storagetest holds the conformance suite every storage.Backend in
// this module runs in its own tests.
package storagetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/trustcore/storage"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) storage.Backend

// Row builds a row fixture.
func Row(address, key string, verified int) storage.Row {
	return storage.Row{
		Address:     address,
		IdentityKey: key,
		FirstUse:    true,
		Timestamp:   1700000000000,
		Verified:    verified,
	}
}

func strPtr(s string) *string { return &s }

// RunBackendSuite exercises the storage.Backend contract.
func RunBackendSuite(t *testing.T, newBackend Factory) {
	t.Run("GetMissing", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()

		_, ok, err := b.Get(context.Background(), "nobody")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ReplaceThenGet", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		ctx := context.Background()

		row := Row("user-a", "BQE=", 1)
		row.NonblockingApproval = true
		row.SecondaryKey = strPtr("BQI=")
		require.NoError(t, b.Replace(ctx, row))

		got, ok, err := b.Get(ctx, "user-a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, row, got)
	})

	t.Run("ReplaceIsUpsert", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		ctx := context.Background()

		first := Row("user-a", "BQE=", 1)
		first.SecondaryKey = strPtr("BQI=")
		require.NoError(t, b.Replace(ctx, first))

		second := Row("user-a", "BQM=", 0)
		second.FirstUse = false
		require.NoError(t, b.Replace(ctx, second))

		got, ok, err := b.Get(ctx, "user-a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, second, got, "replace must drop every field of the prior row")
	})

	t.Run("UpdateVerifiedMatchesKey", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		ctx := context.Background()

		require.NoError(t, b.Replace(ctx, Row("user-a", "BQE=", 0)))

		n, err := b.UpdateVerified(ctx, "user-a", "BQI=", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "stale key must not match")

		got, _, err := b.Get(ctx, "user-a")
		require.NoError(t, err)
		assert.Equal(t, 0, got.Verified)

		n, err = b.UpdateVerified(ctx, "user-a", "BQE=", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, _, err = b.Get(ctx, "user-a")
		require.NoError(t, err)
		assert.Equal(t, 1, got.Verified)

		n, err = b.UpdateVerified(ctx, "missing", "BQE=", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("UpdateApproval", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		ctx := context.Background()

		n, err := b.UpdateApproval(ctx, "user-a", true)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		require.NoError(t, b.Replace(ctx, Row("user-a", "BQE=", 2)))
		n, err = b.UpdateApproval(ctx, "user-a", true)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, _, err := b.Get(ctx, "user-a")
		require.NoError(t, err)
		assert.True(t, got.NonblockingApproval)
		assert.Equal(t, 2, got.Verified, "approval update must not touch other columns")
	})

	t.Run("Delete", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		ctx := context.Background()

		require.NoError(t, b.Replace(ctx, Row("user-a", "BQE=", 0)))
		n, err := b.Delete(ctx, "user-a")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, ok, err := b.Get(ctx, "user-a")
		require.NoError(t, err)
		assert.False(t, ok)

		n, err = b.Delete(ctx, "user-a")
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("SecondaryKeyColumn", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		ctx := context.Background()

		sk, ok, err := b.SecondaryKey(ctx, "user-a")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, sk)

		require.NoError(t, b.Replace(ctx, Row("user-a", "BQE=", 0)))
		sk, ok, err = b.SecondaryKey(ctx, "user-a")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Nil(t, sk, "NULL column must read back as nil")

		row := Row("user-a", "BQE=", 0)
		row.SecondaryKey = strPtr("BQI=")
		require.NoError(t, b.Replace(ctx, row))
		sk, ok, err = b.SecondaryKey(ctx, "user-a")
		require.NoError(t, err)
		assert.True(t, ok)
		require.NotNil(t, sk)
		assert.Equal(t, "BQI=", *sk)
	})

	t.Run("ReturnedRowsAreCopies", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		ctx := context.Background()

		row := Row("user-a", "BQE=", 0)
		row.SecondaryKey = strPtr("BQI=")
		require.NoError(t, b.Replace(ctx, row))
		*row.SecondaryKey = "mutated"

		got, _, err := b.Get(ctx, "user-a")
		require.NoError(t, err)
		require.NotNil(t, got.SecondaryKey)
		assert.Equal(t, "BQI=", *got.SecondaryKey)
	})

	t.Run("ConcurrentConditionalUpdates", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		ctx := context.Background()

		require.NoError(t, b.Replace(ctx, Row("user-a", "BQE=", 0)))

		const workers = 16
		var wg sync.WaitGroup
		counts := make([]int64, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := "BQE="
				if i%2 == 1 {
					key = "BQI="
				}
				n, err := b.UpdateVerified(ctx, "user-a", key, 1)
				assert.NoError(t, err)
				counts[i] = n
			}(i)
		}
		wg.Wait()

		var total int64
		for _, n := range counts {
			total += n
		}
		assert.Equal(t, int64(workers/2), total)
	})

	t.Run("Closed", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Close())

		_, _, err := b.Get(context.Background(), "user-a")
		assert.Error(t, err)
	})
}
