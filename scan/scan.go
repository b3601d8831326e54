// Package scan implements directory scan (spec §4.6): enumerating a queue
// directory's existing page files to find the current high-water page
// index at handle-open time.
package scan

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// PageExt is the filename suffix every page file carries.
const PageExt = ".page.bin"

var pageFileRE = regexp.MustCompile(`^(\d+)\.page\.bin$`)

// FindLatestPageNum enumerates dir and returns the largest N for which a
// file named "N.page.bin" exists, or 0 if none do. Grounded on the original
// implementation's check_valid_page/find_pages (original_source/src/ringbuf.rs),
// translated into the Go filename-matching idiom.
func FindLatestPageNum(dir string) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("scan: read dir %s: %w", dir, err)
	}

	var max uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, ok := ParsePageNum(e.Name())
		if !ok {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max, nil
}

// ParsePageNum reports whether name has the form "<digits>.page.bin" and, if
// so, the parsed index.
func ParsePageNum(name string) (uint64, bool) {
	m := pageFileRE.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// PageFileName returns the on-disk filename for page index n.
func PageFileName(n uint64) string {
	return strconv.FormatUint(n, 10) + PageExt
}
