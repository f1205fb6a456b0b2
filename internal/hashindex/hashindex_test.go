package hashindex

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumIsStableAndDistinct(t *testing.T) {
	a, err := Sum(Blake2b256, []byte("block-a"))
	require.NoError(t, err)
	again, err := Sum(Blake2b256, []byte("block-a"))
	require.NoError(t, err)
	assert.Equal(t, a, again)
	assert.Len(t, a, 32)

	b, err := Sum(Blake2b256, []byte("block-b"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSumDefaultsToBlake2b256(t *testing.T) {
	withDefault, err := Sum("", []byte("x"))
	require.NoError(t, err)
	explicit, err := Sum(Blake2b256, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, explicit, withDefault)
}

func TestSumRejectsUnknownFunction(t *testing.T) {
	_, err := Sum("sha1", []byte("x"))
	require.Error(t, err)
}

func TestAllZero(t *testing.T) {
	assert.True(t, AllZero(make([]byte, 4194304)))
	assert.True(t, AllZero(nil))

	dirty := make([]byte, 4194304)
	dirty[4194303] = 1
	assert.False(t, AllZero(dirty))
}

func TestHexRoundTrip(t *testing.T) {
	sum, err := Sum(Blake2b256, []byte("round trip"))
	require.NoError(t, err)
	assert.Len(t, Hex(sum), 64)
}

func TestWriteGuardSingleflightsSameChecksum(t *testing.T) {
	guard := NewWriteGuard()
	checksum, err := Sum(Blake2b256, []byte("shared fingerprint"))
	require.NoError(t, err)

	var calls int32
	var wg sync.WaitGroup
	results := make([]any, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err, _ := guard.Once(checksum, func() (any, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(5 * time.Millisecond)
				return "block_uid", nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "concurrent callers sharing a checksum must invoke fn exactly once")
	for _, r := range results {
		assert.Equal(t, "block_uid", r)
	}
}

func TestWriteGuardDoesNotSerializeDistinctChecksums(t *testing.T) {
	guard := NewWriteGuard()
	c1, err := Sum(Blake2b256, []byte("one"))
	require.NoError(t, err)
	c2, err := Sum(Blake2b256, []byte("two"))
	require.NoError(t, err)

	var calls int32
	var wg sync.WaitGroup
	for _, c := range [][]byte{c1, c2} {
		wg.Add(1)
		go func(c []byte) {
			defer wg.Done()
			_, _, _ = guard.Once(c, func() (any, error) {
				atomic.AddInt32(&calls, 1)
				return nil, nil
			})
		}(c)
	}
	wg.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
