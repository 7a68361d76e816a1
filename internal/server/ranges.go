package server

import (
	"errors"
	"strconv"
	"strings"

	"github.com/castella/castella/internal/transfer"
)

// errUnsatisfiable means the Range header is well formed but selects no
// byte of the file.
var errUnsatisfiable = errors.New("range not satisfiable")

// parseRange interprets a Range header against a file of size bytes. It
// returns nil for an absent header and for headers it chooses to ignore:
// other units, multiple ranges and malformed specs, all of which are
// answered with the whole file.
func parseRange(header string, size int64) (*transfer.Range, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, nil
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, nil
	}

	// bytes=-N selects the final N bytes
	if first == "" {
		n, err := parseOffset(last)
		if err != nil {
			return nil, nil
		}
		if n == 0 || size == 0 {
			return nil, errUnsatisfiable
		}
		return &transfer.Range{Start: max(size-n, 0), End: size}, nil
	}

	start, err := parseOffset(first)
	if err != nil {
		return nil, nil
	}
	end := size - 1
	if last != "" {
		end, err = parseOffset(last)
		if err != nil || end < start {
			return nil, nil
		}
	}
	if start >= size {
		return nil, errUnsatisfiable
	}
	end = min(end, size-1)
	return &transfer.Range{Start: start, End: end + 1}, nil
}

func parseOffset(s string) (int64, error) {
	if s == "" || strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseInt(s, 10, 64)
}

// contentRange formats the Content-Range value for [start, end) of size.
func contentRange(start, end, size int64) string {
	return "bytes " + strconv.FormatInt(start, 10) + "-" + strconv.FormatInt(end-1, 10) + "/" + strconv.FormatInt(size, 10)
}
