package qpage_test

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mostlymaxi/qringbuf/qpage"
)

func openTestPage(t *testing.T) *qpage.Page {
	t.Helper()
	dir := t.TempDir()
	p, err := qpage.Open(filepath.Join(dir, "0.page.bin"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestRoundTrip(t *testing.T) {
	p := openTestPage(t)

	res, err := p.TryPush([]byte("hello"))
	require.NoError(t, err)
	assert.False(t, res.Full)
	assert.Equal(t, qpage.LenPrefixBytes+len("hello"), res.BytesWritten)

	pop, err := p.TryPop(0)
	require.NoError(t, err)
	require.Equal(t, qpage.PopMsg, pop.Status)
	assert.Equal(t, []byte("hello"), pop.Msg)
}

func TestNoNewMsgs(t *testing.T) {
	p := openTestPage(t)

	pop, err := p.TryPop(0)
	require.NoError(t, err)
	assert.Equal(t, qpage.PopNoNewMsgs, pop.Status)
}

func TestFIFOSingleWriter(t *testing.T) {
	p := openTestPage(t)

	const n = 5000
	for i := 0; i < n; i++ {
		_, err := p.TryPush([]byte(fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}

	var cursor uint64
	for i := 0; i < n; i++ {
		pop, err := p.TryPop(cursor)
		require.NoError(t, err)
		require.Equal(t, qpage.PopMsg, pop.Status)
		assert.Equal(t, fmt.Sprintf("%d", i), string(pop.Msg))
		cursor += uint64(qpage.LenPrefixBytes + len(pop.Msg))
	}

	pop, err := p.TryPop(cursor)
	require.NoError(t, err)
	assert.Equal(t, qpage.PopNoNewMsgs, pop.Status)
}

func TestMsgTooLong(t *testing.T) {
	p := openTestPage(t)

	_, err := p.TryPush(make([]byte, qpage.MaxMsgLen+1))
	assert.ErrorIs(t, err, qpage.ErrMsgTooLong)
}

// TestDisjointReservations exercises spec invariant 1: concurrent TryPush
// calls that both succeed never claim overlapping byte ranges.
func TestDisjointReservations(t *testing.T) {
	p := openTestPage(t)

	const writers = 32
	const perWriter = 200

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		w := w
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := p.TryPush([]byte(fmt.Sprintf("w%d-%d", w, i)))
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	var cursor uint64
	for i := 0; i < writers*perWriter; i++ {
		pop, err := p.TryPop(cursor)
		require.NoError(t, err)
		require.Equal(t, qpage.PopMsg, pop.Status, "iteration %d", i)
		msg := string(pop.Msg)
		require.False(t, seen[msg], "message %q observed twice", msg)
		seen[msg] = true
		cursor += uint64(qpage.LenPrefixBytes + len(pop.Msg))
	}
	assert.Len(t, seen, writers*perWriter)
}

func TestPageFullSeals(t *testing.T) {
	p := openTestPage(t)

	// Leave only a few bytes of the arena free so the next push overflows
	// without needing to allocate a second page-sized buffer. A payload this
	// large is over MaxMsgLen, so it goes in as one pre-framed record via
	// TryPushRaw rather than through TryPush.
	big := make([]byte, qpage.ArenaBytes-10)
	binary.LittleEndian.PutUint32(big, uint32(len(big)-qpage.LenPrefixBytes))
	res, err := p.TryPushRaw(big)
	require.NoError(t, err)
	require.False(t, res.Full)

	res, err = p.TryPush([]byte("overflow!!"))
	require.NoError(t, err)
	assert.True(t, res.Full)

	pop, err := p.TryPop(0)
	require.NoError(t, err)
	require.Equal(t, qpage.PopMsg, pop.Status)
	cursor := uint64(qpage.LenPrefixBytes + len(pop.Msg))

	pop, err = p.TryPop(cursor)
	require.NoError(t, err)
	assert.Equal(t, qpage.PopPageDone, pop.Status)
}

func TestReopenSharesMapping(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0.page.bin")

	writer, err := qpage.Open(path)
	require.NoError(t, err)
	defer writer.Close()

	_, err = writer.TryPush([]byte("persisted"))
	require.NoError(t, err)

	reader, err := qpage.Open(path)
	require.NoError(t, err)
	defer reader.Close()

	pop, err := reader.TryPop(0)
	require.NoError(t, err)
	require.Equal(t, qpage.PopMsg, pop.Status)
	assert.Equal(t, "persisted", string(pop.Msg))
}

func TestSync(t *testing.T) {
	p := openTestPage(t)

	_, err := p.TryPush([]byte("flush me"))
	require.NoError(t, err)
	require.NoError(t, p.Sync())
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
