package ring

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/mostlymaxi/qringbuf/qpage"
	"github.com/mostlymaxi/qringbuf/ringinfo"
	"github.com/mostlymaxi/qringbuf/scan"
)

// maxWriteIdxLockRetries bounds how long Push/Flush will back off against a
// saturated writer counter before giving up and returning the error to the
// caller. A page's writer count only saturates under extreme contention
// (more than 255 concurrent writers landing in the same few nanoseconds);
// the bound exists so a genuinely wedged page fails loudly instead of
// retrying forever.
const maxWriteIdxLockRetries = 8

// Sender is a per-handle write cursor into a queue directory (spec §4.4 /
// §5). Its methods serialize on an internal mutex, so goroutines sharing
// one handle take turns; a caller that wants several concurrently-pushing goroutines
// should give each its own handle via Clone, matching spec §5's "cloning a
// sender creates an independent handle with an independent scratch buffer."
type Sender struct {
	dir  string
	info *ringinfo.Info

	mu            sync.Mutex
	currentPageNo uint64
	currentPage   *qpage.Page
	scratch       []byte

	logger *zap.Logger
}

// Clone returns an independent Sender pointed at the same directory and
// (at the moment of cloning) the same current page, with its own scratch
// buffer and its own Ring Info / page mappings. The two handles diverge
// independently from there: each rolls over to new pages on its own
// schedule, coordinated only through the on-disk Ring Info counter.
func (s *Sender) Clone() (*Sender, error) {
	s.mu.Lock()
	dir, pageNo, logger := s.dir, s.currentPageNo, s.logger
	s.mu.Unlock()

	info, err := ringinfo.Open(dir)
	if err != nil {
		return nil, err
	}

	page, err := qpage.Open(filepath.Join(dir, scan.PageFileName(pageNo)))
	if err != nil {
		info.Close()
		return nil, err
	}

	return &Sender{
		dir:           dir,
		info:          info,
		currentPageNo: pageNo,
		currentPage:   page,
		logger:        logger,
	}, nil
}

// Close releases this handle's Ring Info and page mappings. It does not
// affect other handles (including ones created via Clone or the sibling
// Receiver from the same Open call), since each holds an independent
// mapping over the same underlying files.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errPage := s.currentPage.Close()
	errInfo := s.info.Close()
	return errors.Join(errPage, errInfo)
}

// Sync flushes the current page's dirty mmap'd pages back to disk. It is an
// explicit durability checkpoint for integrators who want one; qringbuf
// itself never calls it, since the library makes no durability promises
// beyond what the OS already provides for mmap'd writes (spec §1).
func (s *Sender) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPage.Sync()
}

// Push appends msg as one length-prefixed record, rolling over to a new
// page and retrying as many times as needed if the current page is full.
// It returns the number of bytes written to the arena, including the
// length prefix.
func (s *Sender) Push(msg []byte) (int, error) {
	if len(msg) > qpage.MaxMsgLen {
		return 0, qpage.ErrMsgTooLong
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		res, err := s.reserveWithBackoff(func() (qpage.PushResult, error) {
			return s.currentPage.TryPush(msg)
		})
		if err != nil {
			return 0, err
		}
		if !res.Full {
			return res.BytesWritten, nil
		}
		if err := s.rolloverLocked(); err != nil {
			return 0, err
		}
	}
}

// PushBuffered appends a framed copy of msg to this handle's scratch
// buffer without touching the page at all. Call Flush to commit the
// accumulated records in a single reservation (spec §4.4's optional
// push-buffered/flush path). Push, PushBuffered and Flush on the same handle
// all take the same mutex, so concurrent calls on one handle are serialized.
func (s *Sender) PushBuffered(msg []byte) error {
	if len(msg) > qpage.MaxMsgLen {
		return qpage.ErrMsgTooLong
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var lenBuf [qpage.LenPrefixBytes]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(msg)))
	s.scratch = append(s.scratch, lenBuf[:]...)
	s.scratch = append(s.scratch, msg...)
	return nil
}

// Flush commits every record accumulated by PushBuffered since the last
// Flush as a single raw reservation, rolling over as many times as needed
// if it doesn't fit on the current page. It returns the number of bytes
// committed. Calling Flush with nothing buffered is a no-op.
func (s *Sender) Flush() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.scratch) == 0 {
		return 0, nil
	}

	for {
		res, err := s.reserveWithBackoff(func() (qpage.PushResult, error) {
			return s.currentPage.TryPushRaw(s.scratch)
		})
		if err != nil {
			return 0, err
		}
		if !res.Full {
			n := res.BytesWritten
			s.scratch = s.scratch[:0]
			return n, nil
		}
		if err := s.rolloverLocked(); err != nil {
			return 0, err
		}
	}
}

// reserveWithBackoff retries try while it reports ErrWriteIdxLockOverflow,
// waiting an exponentially increasing interval between attempts. Grounded
// on the backoff.ExponentialBackOff manual-loop pattern (NextBackOff in a
// retry loop rather than the generic Retry helper), matching how the rest
// of the retrieved corpus drives this library.
func (s *Sender) reserveWithBackoff(try func() (qpage.PushResult, error)) (qpage.PushResult, error) {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     time.Microsecond * 50,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         5 * time.Millisecond,
	}
	bo.Reset()

	for attempt := 0; ; attempt++ {
		res, err := try()
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, qpage.ErrWriteIdxLockOverflow) || attempt >= maxWriteIdxLockRetries {
			return qpage.PushResult{}, err
		}
		if s.logger != nil {
			s.logger.Warn("writer counter saturated, backing off",
				zap.Int("attempt", attempt),
				zap.Uint64("page", s.currentPageNo))
		}
		time.Sleep(bo.NextBackOff())
	}
}

// rolloverLocked implements the page rollover algorithm (spec §4.4.1). The
// caller must hold s.mu.
func (s *Sender) rolloverLocked() error {
	var qc uint64
	if err := s.info.WithReadLock(func(count uint64) error {
		qc = count
		return nil
	}); err != nil {
		return err
	}

	if s.currentPageNo < qc {
		// Someone else already allocated a page past ours; catch up by
		// exactly one, never jumping past the difference in a single step.
		return s.advanceToLocked(s.currentPageNo + 1)
	}

	newCount, advanced, err := s.info.AdvanceIfCurrent(qc)
	if err != nil {
		return err
	}
	if !advanced {
		// Another sender advanced the counter between our read and our
		// writer-lock acquisition. Treat it the same as the case above.
		return s.advanceToLocked(s.currentPageNo + 1)
	}

	if maxQpages := s.info.MaxQpages(); maxQpages > 0 && newCount >= maxQpages {
		reclaim := newCount - maxQpages
		if err := removePage(s.dir, reclaim); err != nil {
			return err
		}
		if s.logger != nil {
			s.logger.Debug("reclaimed page", zap.Uint64("page", reclaim))
		}
	}

	return s.advanceToLocked(newCount)
}

// advanceToLocked opens page no and replaces the handle's current page,
// closing the previous one. The caller must hold s.mu.
func (s *Sender) advanceToLocked(no uint64) error {
	page, err := qpage.Open(filepath.Join(s.dir, scan.PageFileName(no)))
	if err != nil {
		return err
	}
	if err := s.currentPage.Close(); err != nil {
		page.Close()
		return err
	}
	s.currentPage = page
	s.currentPageNo = no
	if s.logger != nil {
		s.logger.Debug("rolled over to page", zap.Uint64("page", no))
	}
	return nil
}
