package ring_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushBufferedFlush(t *testing.T) {
	s, r, _ := openPair(t)

	require.NoError(t, s.PushBuffered([]byte("one")))
	require.NoError(t, s.PushBuffered([]byte("two")))
	require.NoError(t, s.PushBuffered([]byte("three")))

	n, err := s.Flush()
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	got := popUntil(t, r, 3)
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestSync(t *testing.T) {
	s, _, _ := openPair(t)

	_, err := s.Push([]byte("durable enough"))
	require.NoError(t, err)
	require.NoError(t, s.Sync())
}

func TestFlushWithNothingBufferedIsNoop(t *testing.T) {
	s, _, _ := openPair(t)

	n, err := s.Flush()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestCloneIndependentScratch confirms a cloned Sender's PushBuffered
// accumulator is its own: buffering on one handle must not leak into, or
// get flushed by, the other.
func TestCloneIndependentScratch(t *testing.T) {
	s, r, _ := openPair(t)

	clone, err := s.Clone()
	require.NoError(t, err)
	defer clone.Close()

	require.NoError(t, s.PushBuffered([]byte("from-parent")))
	require.NoError(t, clone.PushBuffered([]byte("from-clone")))

	n, err := clone.Flush()
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	msg, err := r.Pop()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "from-clone", string(msg))

	// The parent's buffered record is still pending until its own Flush.
	msg, err = r.Pop()
	require.NoError(t, err)
	assert.Nil(t, msg)

	n, err = s.Flush()
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	msg, err = r.Pop()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "from-parent", string(msg))
}

func TestClonedSenderSharesBackingPage(t *testing.T) {
	s, r, _ := openPair(t)

	clone, err := s.Clone()
	require.NoError(t, err)
	defer clone.Close()

	_, err = s.Push([]byte("from-s"))
	require.NoError(t, err)
	_, err = clone.Push([]byte("from-clone"))
	require.NoError(t, err)

	got := popUntil(t, r, 2)
	assert.ElementsMatch(t, []string{"from-s", "from-clone"}, got)
}
