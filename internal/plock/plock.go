// Package plock implements process-shared advisory locking over byte ranges
// of a file using POSIX fcntl locks (via golang.org/x/sys/unix). It backs
// Ring Info's qpage_count reader/writer lock, which must be honored across
// process boundaries.
//
// POSIX fcntl record locks are associated with the (process, inode) pair,
// not with a thread or a goroutine: two goroutines in the same process
// locking the same byte range do not contend with each other — the second
// call simply succeeds, since the kernel sees the same owner. So the fcntl
// lock alone only ever serializes against *other processes*. RWLock layers
// an in-process sync.RWMutex underneath it, taken first and released last,
// so the combination serializes both goroutines within this process and
// handles in other processes mapping the same directory.
package plock

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// RWLock is a process-shared reader/writer lock over [off, off+length) of a
// file. Multiple RWLock values (in this process or another) opened against
// the same file and overlapping byte range contend for the same lock.
type RWLock struct {
	f      *os.File
	off    int64
	length int64
	mu     sync.RWMutex
}

// NewRWLock returns a lock over the given byte range of f. f must remain
// open for the lifetime of the RWLock.
func NewRWLock(f *os.File, off, length int64) *RWLock {
	return &RWLock{f: f, off: off, length: length}
}

func (l *RWLock) flock(typ int16) error {
	fl := unix.Flock_t{
		Type:   typ,
		Whence: int16(os.SEEK_SET),
		Start:  l.off,
		Len:    l.length,
	}
	if err := unix.FcntlFlock(l.f.Fd(), unix.F_SETLKW, &fl); err != nil {
		return fmt.Errorf("plock: fcntl F_SETLKW type=%d: %w", typ, err)
	}
	return nil
}

// RLock acquires the shared (reader) half of the lock, blocking until
// available both in this process and across any other process holding the
// writer half.
func (l *RWLock) RLock() error {
	l.mu.RLock()
	if err := l.flock(unix.F_RDLCK); err != nil {
		l.mu.RUnlock()
		return err
	}
	return nil
}

// RUnlock releases a lock previously acquired with RLock.
func (l *RWLock) RUnlock() error {
	defer l.mu.RUnlock()
	return l.flock(unix.F_UNLCK)
}

// Lock acquires the exclusive (writer) half of the lock, blocking until
// available both in this process and across any other process.
func (l *RWLock) Lock() error {
	l.mu.Lock()
	if err := l.flock(unix.F_WRLCK); err != nil {
		l.mu.Unlock()
		return err
	}
	return nil
}

// Unlock releases a lock previously acquired with Lock.
func (l *RWLock) Unlock() error {
	defer l.mu.Unlock()
	return l.flock(unix.F_UNLCK)
}
