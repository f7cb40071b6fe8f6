package redis

import (
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Adapted from xenking-redis/redis_test.go's TestParseInt, translated to
// testify assertions (the teacher's own style is plain t.Errorf; testify is
// used throughout the rest of this module's tests, so ParseInt's coverage is
// brought in line rather than left as the one outlier).
func TestParseInt(t *testing.T) {
	for _, v := range []int64{0, -1, 1, math.MinInt64, math.MaxInt64} {
		got := ParseInt([]byte(strconv.FormatInt(v, 10)))
		assert.Equal(t, v, got)
	}
	assert.Equal(t, int64(0), ParseInt(nil))
}

func TestEncodeCommand(t *testing.T) {
	cmd := NewCommand("SET", "foo", "bar")
	assert.Equal(t, "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n", string(EncodeCommand(cmd)))
}

func TestDecoderSimpleTypes(t *testing.T) {
	d := NewDecoder(0)

	replies, err := d.Feed([]byte("+OK\r\n-ERR bad\r\n:42\r\n$-1\r\n*-1\r\n"))
	require.NoError(t, err)
	require.Len(t, replies, 5)

	assert.Equal(t, TypeSimpleString, replies[0].Type)
	assert.Equal(t, "OK", string(replies[0].Str))

	assert.Equal(t, TypeError, replies[1].Type)
	assert.Equal(t, "ERR bad", string(replies[1].Str))

	assert.Equal(t, TypeInteger, replies[2].Type)
	assert.Equal(t, int64(42), replies[2].Integer)

	assert.True(t, replies[3].IsNull())
	assert.True(t, replies[4].IsNull())
}

func TestDecoderBulkString(t *testing.T) {
	d := NewDecoder(0)
	replies, err := d.Feed([]byte("$6\r\nfoobar\r\n"))
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "foobar", string(replies[0].Bulk))
}

// TestDecoderResumesAcrossFeeds traces spec.md's literal scenario 5: feed a
// nested array split mid-bulk-string and confirm it still produces exactly
// one completed reply once the remainder arrives.
func TestDecoderResumesAcrossFeeds(t *testing.T) {
	d := NewDecoder(0)

	replies, err := d.Feed([]byte("*2\r\n$3\r\nfoo"))
	require.NoError(t, err)
	assert.Empty(t, replies)

	replies, err = d.Feed([]byte("\r\n$3\r\nbar\r\n"))
	require.NoError(t, err)
	require.Len(t, replies, 1)

	got := replies[0]
	require.Equal(t, TypeArray, got.Type)
	require.Len(t, got.Array, 2)
	assert.Equal(t, "foo", string(got.Array[0].Bulk))
	assert.Equal(t, "bar", string(got.Array[1].Bulk))
}

func TestDecoderNestedArrays(t *testing.T) {
	d := NewDecoder(0)
	replies, err := d.Feed([]byte("*2\r\n*1\r\n:1\r\n$-1\r\n"))
	require.NoError(t, err)
	require.Len(t, replies, 1)

	outer := replies[0]
	require.Len(t, outer.Array, 2)
	require.Len(t, outer.Array[0].Array, 1)
	assert.Equal(t, int64(1), outer.Array[0].Array[0].Integer)
	assert.True(t, outer.Array[1].IsNull())
}

func TestDecoderByteAtATime(t *testing.T) {
	input := []byte("*3\r\n$3\r\nfoo\r\n:7\r\n+OK\r\n")
	d := NewDecoder(0)

	var got []Reply
	for i := 0; i < len(input); i++ {
		replies, err := d.Feed(input[i : i+1])
		require.NoError(t, err)
		got = append(got, replies...)
	}

	require.Len(t, got, 1)
	require.Len(t, got[0].Array, 3)
	assert.Equal(t, "foo", string(got[0].Array[0].Bulk))
	assert.Equal(t, int64(7), got[0].Array[1].Integer)
	assert.Equal(t, "OK", string(got[0].Array[2].Str))
}

func TestDecoderProtocolErrors(t *testing.T) {
	d := NewDecoder(0)
	_, err := d.Feed([]byte("!oops\r\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecoderMaxDepth(t *testing.T) {
	d := NewDecoder(1)
	_, err := d.Feed([]byte("*1\r\n*1\r\n:1\r\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}
