package tokenstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodec(t *testing.T) {
	type shardToken struct {
		Shard    string `json:"shard"`
		Sequence string `json:"sequence"`
	}

	t.Run("should round-trip the built-in sequence token", func(t *testing.T) {
		// Arrange
		var codec = NewJSONCodec()

		// Act
		payload, tokenType, err := codec.Encode(SequenceToken{Sequence: 99})
		require.NoError(t, err)

		decoded, decodeErr := codec.Decode(payload, tokenType)

		// Assert
		require.NoError(t, decodeErr)
		assert.Equal(t, "sequence", tokenType)
		assert.Equal(t, SequenceToken{Sequence: 99}, decoded)
	})

	t.Run("should round-trip a registered custom token", func(t *testing.T) {
		// Arrange
		var codec = NewJSONCodec()
		codec.Register("shard", shardToken{})

		// Act
		payload, tokenType, err := codec.Encode(shardToken{Shard: "s-01", Sequence: "12345"})
		require.NoError(t, err)

		decoded, decodeErr := codec.Decode(payload, tokenType)

		// Assert
		require.NoError(t, decodeErr)
		assert.Equal(t, "shard", tokenType)
		assert.Equal(t, shardToken{Shard: "s-01", Sequence: "12345"}, decoded)
	})

	t.Run("should encode pointer and value forms to the same tag", func(t *testing.T) {
		// Arrange
		var codec = NewJSONCodec()
		codec.Register("shard", &shardToken{})

		// Act
		_, valueType, err := codec.Encode(shardToken{Shard: "a"})
		require.NoError(t, err)

		_, pointerType, err := codec.Encode(&shardToken{Shard: "a"})
		require.NoError(t, err)

		// Assert
		assert.Equal(t, "shard", valueType)
		assert.Equal(t, "shard", pointerType)
	})

	t.Run("should encode a nil token to an empty payload", func(t *testing.T) {
		// Arrange
		var codec = NewJSONCodec()

		// Act
		payload, tokenType, err := codec.Encode(nil)

		// Assert
		require.NoError(t, err)
		assert.Nil(t, payload)
		assert.Empty(t, tokenType)
	})

	t.Run("should reject an unregistered token type", func(t *testing.T) {
		// Arrange
		var codec = NewJSONCodec()

		// Act
		_, _, err := codec.Encode(shardToken{})

		// Assert
		assert.Error(t, err)
	})

	t.Run("should reject an unknown type tag", func(t *testing.T) {
		// Arrange
		var codec = NewJSONCodec()

		// Act
		_, err := codec.Decode([]byte(`{}`), "nope")

		// Assert
		assert.Error(t, err)
	})
}
