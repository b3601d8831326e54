// {{{ Copyright (c) Paul R. Tagliamonte <paultag@gmail.com> 2020-2021
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE. }}}

// Package mmapio maps fixed-size files into the address space as shared,
// read-write byte slices. It is the file-system/mapping adapter that the
// qpage and ringinfo packages build their atomic protocols on top of; it
// holds no queue semantics of its own.
package mmapio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Map truncates f to length (growing or shrinking it as needed) and maps it
// shared read-write. The returned slice aliases the underlying file; writes
// through it are visible to every other mapping of the same file, in this
// process or another, subject only to the durability the OS provides for
// mmap'd pages.
func Map(f *os.File, length int) ([]byte, error) {
	if err := f.Truncate(int64(length)); err != nil {
		return nil, fmt.Errorf("mmapio: truncate %s to %d: %w", f.Name(), length, err)
	}

	b, err := unix.Mmap(int(f.Fd()), 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmapio: mmap %s: %w", f.Name(), err)
	}
	return b, nil
}

// Unmap releases a mapping previously returned by Map. The slice must not be
// used after Unmap returns.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("mmapio: munmap: %w", err)
	}
	return nil
}

// Sync flushes dirty pages of a mapping back to the backing file. qringbuf
// never calls this on the hot path — the library makes no durability
// promises beyond what the OS already provides for mmap'd writes — but it is
// exposed for integrators who want an explicit flush point before, say,
// reporting a batch as committed upstream.
func Sync(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Msync(b, unix.MS_SYNC); err != nil {
		return fmt.Errorf("mmapio: msync: %w", err)
	}
	return nil
}

// OpenFile opens (creating if necessary) the file at path for read/write use
// as a mapped region.
func OpenFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mmapio: open %s: %w", path, err)
	}
	return f, nil
}

// vim: foldmethod=marker
