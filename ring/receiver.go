package ring

import (
	"errors"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/mostlymaxi/qringbuf/qpage"
	"github.com/mostlymaxi/qringbuf/ringinfo"
	"github.com/mostlymaxi/qringbuf/scan"
)

// Receiver is a per-handle read cursor into a queue directory (spec §4.5 /
// §5). A deployment is expected to run exactly one, per spec §1's
// "single consumer" constraint; nothing in Receiver enforces that at
// runtime, the same way qpage.TryPop documents it as the caller's
// responsibility rather than something it can check.
type Receiver struct {
	dir  string
	info *ringinfo.Info

	mu            sync.Mutex
	currentPageNo uint64
	currentPage   *qpage.Page
	readCursor    uint64

	logger *zap.Logger
	onLag  func(skippedPages uint64)
}

// Close releases this handle's Ring Info and page mappings.
func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	errPage := r.currentPage.Close()
	errInfo := r.info.Close()
	return errors.Join(errPage, errInfo)
}

// Pop returns the next record, or (nil, nil) if none is available yet. It
// advances across sealed pages on its own, per spec §4.5.1, skipping ahead
// to the retention floor if pages it would otherwise read next have already
// been reclaimed.
func (r *Receiver) Pop() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		res, err := r.currentPage.TryPop(r.readCursor)
		if err != nil {
			return nil, err
		}

		switch res.Status {
		case qpage.PopMsg:
			out := make([]byte, len(res.Msg))
			copy(out, res.Msg)
			r.readCursor += uint64(qpage.LenPrefixBytes + len(res.Msg))
			return out, nil

		case qpage.PopNoNewMsgs:
			return nil, nil

		case qpage.PopPageDone:
			if err := r.advanceLocked(); err != nil {
				return nil, err
			}
		}
	}
}

// advanceLocked implements page advance (spec §4.5.1): move to the next
// page in sequence, or to the retention floor if the immediate next page
// has already been reclaimed out from under a lagging receiver. The caller
// must hold r.mu.
func (r *Receiver) advanceLocked() error {
	oldNo := r.currentPageNo
	nextNo := oldNo + 1

	if maxQpages := r.info.MaxQpages(); maxQpages > 0 {
		err := r.info.WithReadLock(func(qc uint64) error {
			// Rollover deletes page qc-maxQpages once qc reaches the bound,
			// so the oldest page still on disk is qc-maxQpages+1.
			if qc >= maxQpages {
				if floor := qc - maxQpages + 1; floor > nextNo {
					nextNo = floor
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	page, err := qpage.Open(filepath.Join(r.dir, scan.PageFileName(nextNo)))
	if err != nil {
		return err
	}
	if err := r.currentPage.Close(); err != nil {
		page.Close()
		return err
	}
	r.currentPage = page
	r.currentPageNo = nextNo
	r.readCursor = 0

	if skipped := nextNo - (oldNo + 1); skipped > 0 {
		if r.onLag != nil {
			r.onLag(skipped)
		}
		if r.logger != nil {
			r.logger.Warn("receiver skipped reclaimed pages",
				zap.Uint64("from", oldNo+1),
				zap.Uint64("to", nextNo-1))
		}
	}
	return nil
}
