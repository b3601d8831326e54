package plock_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mostlymaxi/qringbuf/internal/plock"
)

func openFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "lockfile"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestWriterExcludesWriterInProcess(t *testing.T) {
	f := openFile(t)
	lock := plock.NewRWLock(f, 0, 8)

	require.NoError(t, lock.Lock())

	held := make(chan struct{})
	go func() {
		require.NoError(t, lock.Lock())
		close(held)
		lock.Unlock()
	}()

	select {
	case <-held:
		t.Fatal("second Lock call returned while the first still held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lock.Unlock())
	<-held
}

func TestConcurrentWritersAreSerialized(t *testing.T) {
	f := openFile(t)
	lock := plock.NewRWLock(f, 0, 8)

	var counter int // guarded only by lock
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			require.NoError(t, lock.Lock())
			counter++
			require.NoError(t, lock.Unlock())
		}()
	}
	wg.Wait()

	require.Equal(t, n, counter)
}

func TestReadersDoNotExcludeEachOther(t *testing.T) {
	f := openFile(t)
	lock := plock.NewRWLock(f, 0, 8)

	require.NoError(t, lock.RLock())

	second := make(chan struct{})
	go func() {
		require.NoError(t, lock.RLock())
		close(second)
		lock.RUnlock()
	}()

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second RLock call did not return alongside the first")
	}

	require.NoError(t, lock.RUnlock())
}
