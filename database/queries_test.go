package database

import (
	"context"
	"testing"
	"time"

	tokenstore "go-tokenstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueries(t *testing.T) {
	var (
		newDb = func(t *testing.T) *Queries {
			var db = SetupTestDatabase(t)
			err := Migrate(db, "test_tracking")
			require.NoError(t, err)
			return NewQueries(db, "test_tracking")
		}
		newCtx = func() context.Context {
			return context.Background()
		}
		newEntry = func(processorName string, segment int, owner string) *tokenstore.TokenEntry {
			return &tokenstore.TokenEntry{
				ProcessorName: processorName,
				Segment:       segment,
				Owner:         owner,
				Timestamp:     time.Now(),
			}
		}
	)

	t.Run("should insert and get a token entry", func(t *testing.T) {
		// Arrange
		var (
			sut   = newDb(t)
			ctx   = newCtx()
			entry = newEntry("orders", 0, "node-1")
		)
		entry.Token = []byte(`{"sequence":5}`)
		entry.TokenType = "sequence"

		// Act
		err := sut.InsertToken(ctx, entry)
		require.NoError(t, err)

		var retrieved, getErr = sut.GetTokenForUpdate(ctx, "orders", 0)

		// Assert
		require.NoError(t, getErr)
		require.NotNil(t, retrieved)
		assert.Equal(t, "orders", retrieved.ProcessorName)
		assert.Equal(t, 0, retrieved.Segment)
		assert.Equal(t, []byte(`{"sequence":5}`), retrieved.Token)
		assert.Equal(t, "sequence", retrieved.TokenType)
		assert.Equal(t, "node-1", retrieved.Owner)
		assert.WithinDuration(t, entry.Timestamp, retrieved.Timestamp, time.Second)
	})

	t.Run("should map NULL columns to zero values", func(t *testing.T) {
		// Arrange
		var (
			sut   = newDb(t)
			ctx   = newCtx()
			entry = newEntry("orders", 0, "")
		)

		// Act
		err := sut.InsertToken(ctx, entry)
		require.NoError(t, err)

		var retrieved, getErr = sut.GetTokenForUpdate(ctx, "orders", 0)

		// Assert
		require.NoError(t, getErr)
		require.NotNil(t, retrieved)
		assert.Nil(t, retrieved.Token)
		assert.Empty(t, retrieved.TokenType)
		assert.Empty(t, retrieved.Owner)
	})

	t.Run("should return nil for a non-existent entry", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)

		// Act
		var retrieved, err = sut.GetTokenForUpdate(ctx, "orders", 999)

		// Assert
		require.NoError(t, err)
		assert.Nil(t, retrieved)
	})

	t.Run("should list segments ordered ascending", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)

		// Act - insert in random order
		for _, segment := range []int{2, 0, 3, 1} {
			err := sut.InsertToken(ctx, newEntry("orders", segment, ""))
			require.NoError(t, err)
		}
		err := sut.InsertToken(ctx, newEntry("payments", 0, ""))
		require.NoError(t, err)

		var segments, listErr = sut.ListSegments(ctx, "orders")

		// Assert
		require.NoError(t, listErr)
		assert.Equal(t, []int{0, 1, 2, 3}, segments)
	})

	t.Run("should update an existing entry", func(t *testing.T) {
		// Arrange
		var (
			sut   = newDb(t)
			ctx   = newCtx()
			entry = newEntry("orders", 0, "node-1")
		)

		err := sut.InsertToken(ctx, entry)
		require.NoError(t, err)

		// Act
		entry.Token = []byte(`{"sequence":10}`)
		entry.TokenType = "sequence"
		entry.Owner = "node-2"
		err = sut.UpdateToken(ctx, entry)
		require.NoError(t, err)

		var retrieved, getErr = sut.GetTokenForUpdate(ctx, "orders", 0)

		// Assert
		require.NoError(t, getErr)
		require.NotNil(t, retrieved)
		assert.Equal(t, []byte(`{"sequence":10}`), retrieved.Token)
		assert.Equal(t, "node-2", retrieved.Owner)
	})

	t.Run("should extend a claim only for the matching owner", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)

		err := sut.InsertToken(ctx, newEntry("orders", 0, "node-1"))
		require.NoError(t, err)

		// Act / Assert
		matched, err := sut.ExtendClaim(ctx, "orders", 0, "node-2", time.Now())
		require.NoError(t, err)
		assert.False(t, matched, "foreign owner must not match")

		matched, err = sut.ExtendClaim(ctx, "orders", 0, "node-1", time.Now())
		require.NoError(t, err)
		assert.True(t, matched)

		matched, err = sut.ExtendClaim(ctx, "orders", 999, "node-1", time.Now())
		require.NoError(t, err)
		assert.False(t, matched, "missing entry must not match")
	})

	t.Run("should never match an unclaimed entry by owner", func(t *testing.T) {
		// Arrange - owner is stored as NULL, not as an empty string
		var (
			sut = newDb(t)
			ctx = newCtx()
		)

		err := sut.InsertToken(ctx, newEntry("orders", 0, ""))
		require.NoError(t, err)

		// Act
		matched, err := sut.ExtendClaim(ctx, "orders", 0, "", time.Now())

		// Assert
		require.NoError(t, err)
		assert.False(t, matched)
	})

	t.Run("should release a claim and leave the token in place", func(t *testing.T) {
		// Arrange
		var (
			sut   = newDb(t)
			ctx   = newCtx()
			entry = newEntry("orders", 0, "node-1")
		)
		entry.Token = []byte(`{"sequence":3}`)
		entry.TokenType = "sequence"

		err := sut.InsertToken(ctx, entry)
		require.NoError(t, err)

		// Act
		matched, err := sut.ReleaseClaim(ctx, "orders", 0, "node-1")
		require.NoError(t, err)
		require.True(t, matched)

		var retrieved, getErr = sut.GetTokenForUpdate(ctx, "orders", 0)

		// Assert
		require.NoError(t, getErr)
		require.NotNil(t, retrieved)
		assert.Empty(t, retrieved.Owner)
		assert.Equal(t, []byte(`{"sequence":3}`), retrieved.Token)

		// A second release matches nothing
		matched, err = sut.ReleaseClaim(ctx, "orders", 0, "node-1")
		require.NoError(t, err)
		assert.False(t, matched)
	})

	t.Run("should list token entries for a processor", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)

		require.NoError(t, sut.InsertToken(ctx, newEntry("orders", 1, "node-2")))
		require.NoError(t, sut.InsertToken(ctx, newEntry("orders", 0, "node-1")))

		// Act
		var entries, err = sut.ListTokens(ctx, "orders")

		// Assert
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, 0, entries[0].Segment)
		assert.Equal(t, 1, entries[1].Segment)
	})
}
