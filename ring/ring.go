// Package ring implements the Ring Supervisor (spec §4.4/§4.5): the factory
// that opens a queue directory and hands back a Sender/Receiver pair, plus
// the page rollover and page advance algorithms each one runs against Ring
// Info and the directory's page files.
//
// ring.Open never takes an exclusive lock over the whole directory: spec §1
// requires that multiple producer processes be able to open the same
// directory concurrently, which a directory-wide lock at Open time would
// rule out. The only serialization is Ring Info's byte-range lock over
// qpage_count (ringinfo package), scoped to exactly the data it protects.
package ring

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mostlymaxi/qringbuf/qpage"
	"github.com/mostlymaxi/qringbuf/ringinfo"
	"github.com/mostlymaxi/qringbuf/scan"
)

// Open opens (creating it if necessary) the queue directory dir and returns
// an independent Sender/Receiver pair, each positioned at the current
// high-water page. Both handles may be closed independently; closing one
// does not affect the other.
func Open(dir string, opts Options) (*Sender, *Receiver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("ring: open %s: %w", dir, err)
	}

	latest, err := scan.FindLatestPageNum(dir)
	if err != nil {
		return nil, nil, err
	}
	pagePath := filepath.Join(dir, scan.PageFileName(latest))

	senderInfo, err := ringinfo.Open(dir)
	if err != nil {
		return nil, nil, err
	}
	senderPage, err := qpage.Open(pagePath)
	if err != nil {
		senderInfo.Close()
		return nil, nil, err
	}

	receiverInfo, err := ringinfo.Open(dir)
	if err != nil {
		senderPage.Close()
		senderInfo.Close()
		return nil, nil, err
	}
	receiverPage, err := qpage.Open(pagePath)
	if err != nil {
		receiverInfo.Close()
		senderPage.Close()
		senderInfo.Close()
		return nil, nil, err
	}

	logger := opts.logger()

	sender := &Sender{
		dir:           dir,
		info:          senderInfo,
		currentPageNo: latest,
		currentPage:   senderPage,
		logger:        logger,
	}
	receiver := &Receiver{
		dir:           dir,
		info:          receiverInfo,
		currentPageNo: latest,
		currentPage:   receiverPage,
		logger:        logger,
		onLag:         opts.OnLag,
	}

	return sender, receiver, nil
}

// SetMaxQpages sets the retention bound (spec §6's set_max_qpages): the
// maximum number of pages kept on disk before a sender's rollover starts
// deleting the oldest. n == 0 means unbounded. It is independent of Open:
// any handle, or a process holding no handle at all, may call it against
// dir at any time.
func SetMaxQpages(dir string, n uint64) error {
	info, err := ringinfo.Open(dir)
	if err != nil {
		return err
	}
	defer info.Close()
	return info.SetMaxQpages(n)
}

// removePage deletes page no from dir, tolerating its absence: a reclaim
// racing a receiver that already advanced past it, or a retention bound set
// before that many pages were ever allocated, are both fine.
func removePage(dir string, no uint64) error {
	path := filepath.Join(dir, scan.PageFileName(no))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ring: reclaim page %d: %w", no, err)
	}
	return nil
}
