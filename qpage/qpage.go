// Package qpage implements the lock-free single-page MPSC queue described by
// the system's core on-disk format: a memory-mapped, fixed-size page whose
// header is a single bit-packed atomic word (writer-in-flight count plus
// write cursor) plus a cached high-water mark, followed by an arena of
// length-prefixed records.
//
// A Page is safe for concurrent TryPush from any number of goroutines or
// processes mapping the same file, and safe for one concurrent TryPop
// reading alongside them. It is not safe for concurrent TryPop from more
// than one caller against the same start_byte cursor — the ring package's
// Receiver owns that cursor and is the only intended caller of TryPop.
package qpage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/mostlymaxi/qringbuf/internal/mmapio"
)

// Reference on-disk constants, matching the original Rust implementation's
// DEFAULT_QUEUE_SIZE/DEFAULT_MAX_MSG_SIZE and the bit layout of
// QUEUE_MAGIC_NUM/QUEUE_MAGIC_MASK (see original_source/src/qpage.rs).
const (
	// LenPrefixBytes is the width (L) of the little-endian length prefix in
	// front of every record.
	LenPrefixBytes = 4

	// MaxMsgLen is the largest payload TryPush will accept.
	MaxMsgLen = 1<<24 - 1

	headerSize = 16 // two uint64 atomics: writeIdxLock, lastSafeWriteIdx

	// ArenaBytes is the size of the byte arena following the header.
	ArenaBytes = 1<<28 + LenPrefixBytes - 1

	// PageBytes is the total on-disk size of a page file (header + arena).
	PageBytes = headerSize + ArenaBytes

	// writerBit occupies the top byte of the 64-bit writeIdxLock word,
	// giving a one-byte writer-in-flight counter and a 56-bit cursor — a
	// cursor range far larger than ArenaBytes ever needs.
	writerBit  = uint64(1) << 56
	cursorMask = writerBit - 1

	// sealedByte marks a page as no longer accepting records starting at
	// this index; readers stop here and the supervisor advances to the
	// next page.
	sealedByte = 0xFD
)

// ErrMsgTooLong is returned by TryPush when the payload exceeds MaxMsgLen.
// No bytes are written to the page.
var ErrMsgTooLong = errors.New("qpage: message exceeds max length")

// ErrWriteIdxLockOverflow is returned by TryPush when the writer-in-flight
// counter saturates (more than 255 concurrent writers on one page). This
// indicates extreme contention; callers may retry after a back-off.
var ErrWriteIdxLockOverflow = errors.New("qpage: writer counter overflow")

// header is the memory-mapped page header, overlaid directly on the first
// headerSize bytes of the mapping. Both fields are manipulated exclusively
// through sync/atomic.
type header struct {
	writeIdxLock     uint64
	lastSafeWriteIdx uint64
}

// Page is a handle to one memory-mapped page file. Each Open call maps the
// file independently; several Page values opened against the same path in
// this or another process alias the same physical memory via MAP_SHARED.
type Page struct {
	file    *os.File
	mapping []byte
	hdr     *header
	arena   []byte
}

// Open creates (if necessary) and memory-maps the page file at path. The
// file is truncated to exactly PageBytes; a freshly created file reads as
// all zero, meaning an empty, unsealed page.
func Open(path string) (*Page, error) {
	f, err := mmapio.OpenFile(path)
	if err != nil {
		return nil, err
	}

	mapping, err := mmapio.Map(f, PageBytes)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Page{
		file:    f,
		mapping: mapping,
		hdr:     (*header)(unsafe.Pointer(&mapping[0])),
		arena:   mapping[headerSize:],
	}, nil
}

// Close unmaps the page and closes its file descriptor. Other handles
// (other Page values, in this or another process) that still have the file
// mapped are unaffected; the mapping they hold remains valid.
func (p *Page) Close() error {
	if err := mmapio.Unmap(p.mapping); err != nil {
		return err
	}
	return p.file.Close()
}

// Path returns the path of the underlying page file.
func (p *Page) Path() string { return p.file.Name() }

// Sync flushes this page's dirty mmap'd pages back to disk. It makes no
// difference to what TryPop can observe — that is governed entirely by the
// atomic header, not by when the OS writes pages back — and costs a real
// syscall, so callers should reach for it only at the boundary where they
// need an explicit durability checkpoint (e.g. before acknowledging a batch
// to an upstream system), never as part of ordinary TryPush/TryPop use.
func (p *Page) Sync() error {
	return mmapio.Sync(p.mapping)
}

// PushResult reports the outcome of a successful TryPush (i.e. one that did
// not return an error). PageFull is internal control flow: the qpage
// package never returns it as an error, and the ring package's Sender never
// surfaces it past its own rollover loop.
type PushResult struct {
	// BytesWritten is the number of arena bytes consumed, including the
	// length prefix. Zero when Full is true.
	BytesWritten int
	// Full reports that the page could not accommodate this record and has
	// been sealed (or was already sealed); the caller must roll over to the
	// next page and retry there.
	Full bool
}

// TryPush reserves space for msg and copies it into the arena, or reports
// that the page is full. See spec §4.2: the reservation is made with a
// single fetch-add on the bit-packed header word, so concurrent TryPush
// calls never observe overlapping ranges.
func (p *Page) TryPush(msg []byte) (PushResult, error) {
	if len(msg) > MaxMsgLen {
		return PushResult{}, ErrMsgTooLong
	}
	return p.reserveAndWrite(uint64(LenPrefixBytes+len(msg)), func(start uint64) {
		binary.LittleEndian.PutUint32(p.arena[start:], uint32(len(msg)))
		copy(p.arena[start+LenPrefixBytes:], msg)
	})
}

// TryPushRaw reserves space for a pre-framed blob of one or more
// length-prefixed records and copies it verbatim, skipping the
// single-record framing TryPush performs. It backs the optional
// push-buffered/flush path (spec §4.4): a sender may accumulate several
// framed records in a scratch buffer and commit them in one reservation.
func (p *Page) TryPushRaw(raw []byte) (PushResult, error) {
	return p.reserveAndWrite(uint64(len(raw)), func(start uint64) {
		copy(p.arena[start:], raw)
	})
}

func (p *Page) reserveAndWrite(need uint64, write func(start uint64)) (PushResult, error) {
	// atomic.AddUint64 returns the *new* value (unlike Rust's fetch_add,
	// which the spec's "old" terminology assumes returns the *prior*
	// value), so the prior value — the start of this writer's reservation
	// — has to be recovered by subtracting back out what we just added.
	newVal := atomic.AddUint64(&p.hdr.writeIdxLock, writerBit+need)
	old := newVal - (writerBit + need)

	if old>>56 == 0xFF {
		// The writer-in-flight counter was already saturated before this
		// add; this add just wrapped it back to zero, corrupting the word.
		// No fetch_sub here, matching original_source/src/qpage.rs's
		// try_push/try_push_raw: only the PageFull path below releases the
		// writer bit. A page that overflows this way is left wedged; 255
		// concurrent writers on one page is already pathological enough
		// that the library does not try to make it recoverable.
		return PushResult{}, ErrWriteIdxLockOverflow
	}

	start := old & cursorMask

	if start+need > uint64(ArenaBytes)-1 {
		if start < uint64(ArenaBytes) {
			p.arena[start] = sealedByte
		}
		p.releaseWriter()
		return PushResult{Full: true}, nil
	}

	write(start)
	p.releaseWriter()
	return PushResult{BytesWritten: int(need)}, nil
}

// releaseWriter decrements the writer-in-flight count with release
// ordering, leaving the cursor advanced. It never restores the cursor: per
// spec §9 (open question 2), subtracting only writerBit — and not
// writerBit+need — is the safer contract, since it prevents a writer that
// over-reserved from being retried into the same hopeless range.
func (p *Page) releaseWriter() {
	atomic.AddUint64(&p.hdr.writeIdxLock, uint64(-int64(writerBit)))
}

// PopStatus enumerates the outcome of TryPop.
type PopStatus int

const (
	// PopMsg indicates Msg holds a complete record.
	PopMsg PopStatus = iota
	// PopNoNewMsgs indicates no record is available past startByte yet; the
	// caller should poll again later.
	PopNoNewMsgs
	// PopPageDone indicates the page is sealed at startByte; the caller
	// should advance to the next page.
	PopPageDone
)

// PopResult is the outcome of a TryPop call.
type PopResult struct {
	// Msg borrows directly from the mapped arena. It is valid only until
	// the next mutation of the page and must not be retained past the
	// caller's processing of this one record — ring.Receiver.Pop copies it
	// before returning, since the underlying page may later be reclaimed.
	Msg    []byte
	Status PopStatus
}

// TryPop attempts to read one record starting at startByte. It never
// blocks except for a brief CPU-yielding spin while a writer on this page is
// mid-copy (spec §4.1) — it does not wait for new data to arrive.
func (p *Page) TryPop(startByte uint64) (PopResult, error) {
	end := p.safeWriteIdx(startByte)

	if end < startByte {
		return PopResult{}, fmt.Errorf("qpage: corrupt page: end %d < start %d", end, startByte)
	}
	if end == startByte {
		return PopResult{Status: PopNoNewMsgs}, nil
	}
	if p.arena[startByte] == sealedByte {
		return PopResult{Status: PopPageDone}, nil
	}

	msgLen := binary.LittleEndian.Uint32(p.arena[startByte : startByte+LenPrefixBytes])
	payloadStart := startByte + LenPrefixBytes
	payloadEnd := payloadStart + uint64(msgLen)

	return PopResult{Msg: p.arena[payloadStart:payloadEnd], Status: PopMsg}, nil
}

// safeWriteIdx returns a high-water mark that is safe to read up to: either
// the cached lastSafeWriteIdx (if it already covers startByte) or a freshly
// observed cursor snapshot taken while no writer was in flight.
func (p *Page) safeWriteIdx(startByte uint64) uint64 {
	if cached := atomic.LoadUint64(&p.hdr.lastSafeWriteIdx); startByte < cached {
		return min64(cached, uint64(ArenaBytes))
	}

	spins := 0
	for {
		wl := atomic.LoadUint64(&p.hdr.writeIdxLock)
		if wl&^cursorMask == 0 {
			cursor := wl & cursorMask
			fetchMaxUint64(&p.hdr.lastSafeWriteIdx, cursor)
			return min64(cursor, uint64(ArenaBytes))
		}

		spins++
		if spins < 32 {
			// cheap CPU spin hint; writers hold the in-flight bit only for
			// the duration of a memcpy into the arena.
			continue
		}
		runtime.Gosched()
	}
}

// fetchMaxUint64 raises *addr to at least val, retrying the CAS if another
// reader races it up further in the meantime.
func fetchMaxUint64(addr *uint64, val uint64) {
	for {
		cur := atomic.LoadUint64(addr)
		if cur >= val {
			return
		}
		if atomic.CompareAndSwapUint64(addr, cur, val) {
			return
		}
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
