// Package ringinfo implements Ring Info (spec §4.3): the small,
// memory-mapped control record shared by every Sender and Receiver touching
// a queue directory, holding the retention bound (max_qpages) and the
// monotonic high-water page count (qpage_count).
package ringinfo

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/mostlymaxi/qringbuf/internal/mmapio"
	"github.com/mostlymaxi/qringbuf/internal/plock"
)

// FileName is the name of the Ring Info file within a queue directory.
const FileName = ".info"

const infoSize = 16 // two uint64 fields: max_qpages, qpage_count

// Info is a handle to an open, memory-mapped Ring Info file.
type Info struct {
	file    *os.File
	mapping []byte

	maxQpages  *uint64
	qpageCount *uint64

	// lock guards qpage_count only; max_qpages is a plain atomic word,
	// readable without taking any lock (spec §4.3). It is shared (via
	// sharedLocks below) with every other Info opened against the same
	// directory by this process, not a fresh lock per handle: see
	// sharedLocks' doc comment for why that sharing is required.
	lock *plock.RWLock
	key  string
}

// sharedLocks holds one plock.RWLock per queue directory, reference-counted
// across every Info opened against that directory by this process.
//
// POSIX fcntl record locks are owned by the (process, inode) pair, not by a
// file descriptor: two *os.File values opened by the same process against
// the same file never contend with each other, regardless of which one
// performs the F_SETLKW call. plock.RWLock's own in-process sync.RWMutex is
// what actually serializes goroutines within one process — but only between
// callers sharing the same *plock.RWLock Go value. Since ring.Open and
// Sender.Clone each call ringinfo.Open independently (spec §5 requires a
// clone to be an independent handle), giving every Info its own
// plock.NewRWLock would give every one of those handles an independent,
// unshared mutex, and the fcntl call underneath would not pick up the slack:
// concurrent rollovers from two Senders in the same process would then
// observe and advance qpage_count without any real mutual exclusion between
// them. Routing every Info for a given directory through one shared RWLock
// fixes both the in-process and the cross-process case with the same
// primitive.
var (
	sharedLocksMu sync.Mutex
	sharedLocks   = map[string]*sharedLock{}
)

type sharedLock struct {
	refs int
	file *os.File
	lock *plock.RWLock
}

func acquireSharedLock(dir string) (string, *plock.RWLock, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", nil, fmt.Errorf("ringinfo: resolve %s: %w", dir, err)
	}
	key := filepath.Clean(abs)

	sharedLocksMu.Lock()
	defer sharedLocksMu.Unlock()

	if sl, ok := sharedLocks[key]; ok {
		sl.refs++
		return key, sl.lock, nil
	}

	f, err := mmapio.OpenFile(filepath.Join(dir, FileName))
	if err != nil {
		return "", nil, err
	}

	sl := &sharedLock{refs: 1, file: f, lock: plock.NewRWLock(f, 8, 8)}
	sharedLocks[key] = sl
	return key, sl.lock, nil
}

func releaseSharedLock(key string) error {
	sharedLocksMu.Lock()
	defer sharedLocksMu.Unlock()

	sl, ok := sharedLocks[key]
	if !ok {
		return nil
	}
	sl.refs--
	if sl.refs > 0 {
		return nil
	}
	delete(sharedLocks, key)
	return sl.file.Close()
}

// Open creates (if missing) and maps dir/.info. A newly created file reads
// as all-zero: max_qpages == 0 (unbounded) and qpage_count == 0.
func Open(dir string) (*Info, error) {
	path := filepath.Join(dir, FileName)

	f, err := mmapio.OpenFile(path)
	if err != nil {
		return nil, err
	}

	mapping, err := mmapio.Map(f, infoSize)
	if err != nil {
		f.Close()
		return nil, err
	}

	key, lock, err := acquireSharedLock(dir)
	if err != nil {
		mmapio.Unmap(mapping)
		f.Close()
		return nil, err
	}

	return &Info{
		file:       f,
		mapping:    mapping,
		maxQpages:  (*uint64)(unsafe.Pointer(&mapping[0])),
		qpageCount: (*uint64)(unsafe.Pointer(&mapping[8])),
		lock:       lock,
		key:        key,
	}, nil
}

// Close unmaps the Ring Info file and releases this process's reference to
// the directory's shared lock. The file itself is never removed by the
// library.
func (i *Info) Close() error {
	errUnmap := mmapio.Unmap(i.mapping)
	errFile := i.file.Close()
	errLock := releaseSharedLock(i.key)
	if errUnmap != nil {
		return errUnmap
	}
	if errFile != nil {
		return errFile
	}
	return errLock
}

// MaxQpages returns the current retention bound. Zero means unbounded. This
// reads the atomic word directly, without taking the qpage_count lock.
func (i *Info) MaxQpages() uint64 {
	return atomic.LoadUint64(i.maxQpages)
}

// SetMaxQpages sets the retention bound, taking the qpage_count writer lock
// first so the change cannot interleave with a rollover's read-modify-write
// of qpage_count (spec §4.3). n == 0 means unbounded.
func (i *Info) SetMaxQpages(n uint64) error {
	if err := i.lock.Lock(); err != nil {
		return err
	}
	defer i.lock.Unlock()

	atomic.StoreUint64(i.maxQpages, n)
	return nil
}

// QpageCount returns the largest page index ever allocated, under the
// reader half of the lock.
func (i *Info) QpageCount() (uint64, error) {
	if err := i.lock.RLock(); err != nil {
		return 0, err
	}
	defer i.lock.RUnlock()

	return atomic.LoadUint64(i.qpageCount), nil
}

// AdvanceQpageCount increments qpage_count under the writer half of the
// lock and returns both the prior and the new value.
func (i *Info) AdvanceQpageCount() (prev, next uint64, err error) {
	if err = i.lock.Lock(); err != nil {
		return 0, 0, err
	}
	defer i.lock.Unlock()

	prev = atomic.LoadUint64(i.qpageCount)
	next = prev + 1
	atomic.StoreUint64(i.qpageCount, next)
	return prev, next, nil
}

// AdvanceIfCurrent increments qpage_count under the writer half of the lock,
// but only if it still equals expected. It reports the (possibly unchanged)
// resulting value and whether it advanced. This backs the ring package's
// rollover re-check (spec §4.4.1 step 2): a sender that observed
// current_page_no == qpage_count under the reader lock must re-verify that
// nothing else advanced the counter in the gap before upgrading to the
// writer lock, so at most one caller ever allocates a given next page.
func (i *Info) AdvanceIfCurrent(expected uint64) (count uint64, advanced bool, err error) {
	if err = i.lock.Lock(); err != nil {
		return 0, false, err
	}
	defer i.lock.Unlock()

	cur := atomic.LoadUint64(i.qpageCount)
	if cur != expected {
		return cur, false, nil
	}
	next := cur + 1
	atomic.StoreUint64(i.qpageCount, next)
	return next, true, nil
}

// WithReadLock runs fn while holding the qpage_count reader lock, giving
// callers (the ring package's rollover/advance logic) a way to read the
// counter and decide on a course of action atomically with respect to
// concurrent AdvanceQpageCount calls, without a second round trip through
// the lock.
func (i *Info) WithReadLock(fn func(qpageCount uint64) error) error {
	if err := i.lock.RLock(); err != nil {
		return err
	}
	defer i.lock.RUnlock()
	return fn(atomic.LoadUint64(i.qpageCount))
}
