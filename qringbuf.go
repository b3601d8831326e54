package qringbuf

import (
	"github.com/mostlymaxi/qringbuf/qpage"
	"github.com/mostlymaxi/qringbuf/ring"
)

// Sender, Receiver, and Options are re-exported from the ring package so
// that most callers never need to import it directly.
type (
	Sender   = ring.Sender
	Receiver = ring.Receiver
	Options  = ring.Options
)

// Re-exported on-disk constants (qpage package), useful to callers sizing
// batches or validating payloads before calling Push.
const (
	MaxMsgLen      = qpage.MaxMsgLen
	LenPrefixBytes = qpage.LenPrefixBytes
	PageBytes      = qpage.PageBytes
)

// ErrMsgTooLong and ErrWriteIdxLockOverflow are re-exported from qpage: the
// errors Sender.Push/PushBuffered can return.
var (
	ErrMsgTooLong           = qpage.ErrMsgTooLong
	ErrWriteIdxLockOverflow = qpage.ErrWriteIdxLockOverflow
)

// Open opens (creating it if necessary) the queue directory dir and returns
// an independent Sender/Receiver pair. See ring.Open for the full
// semantics: multiple processes may call Open against the same directory
// concurrently, each getting its own independent pair of handles.
func Open(dir string, opts Options) (*Sender, *Receiver, error) {
	return ring.Open(dir, opts)
}

// SetMaxQpages sets dir's retention bound: the maximum number of page files
// kept on disk before a sender's rollover starts deleting the oldest. n ==
// 0 means unbounded.
func SetMaxQpages(dir string, n uint64) error {
	return ring.SetMaxQpages(dir, n)
}
