// Package httprange turns a byte-addressable resource into full or partial
// HTTP responses with RFC 7233 semantics, including multipart/byteranges
// bodies for requests carrying more than one range.
package httprange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsatisfiable indicates that a requested range lies entirely outside
// the resource. Callers map it to 416 Range Not Satisfiable with a
// "Content-Range: bytes */<size>" header.
var ErrUnsatisfiable = errors.New("requested range not satisfiable")

// ErrMalformed indicates a Range header that could not be parsed. Per RFC
// 7233 a server may ignore such a header and serve the full resource.
var ErrMalformed = errors.New("malformed range header")

// Spec is one validated (offset, length) window within a resource.
type Spec struct {
	Start  int64
	Length int64
}

// End returns the inclusive last byte offset of the window.
func (s Spec) End() int64 {
	return s.Start + s.Length - 1
}

// ContentRange renders the Content-Range header value for the window.
func (s Spec) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", s.Start, s.End(), size)
}

// Parse interprets a Range header value against a resource of the given
// size. It returns the validated windows in request order. A request whose
// first-byte position lies at or beyond the resource end fails the whole
// request with ErrUnsatisfiable. Last-byte positions are clamped to the
// resource end, and suffix ranges larger than the resource resolve to the
// whole resource.
func Parse(header string, size int64) ([]Spec, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, ErrMalformed
	}
	var specs []Spec
	for _, part := range strings.Split(header[len(prefix):], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dash := strings.Index(part, "-")
		if dash < 0 {
			return nil, ErrMalformed
		}
		startText := strings.TrimSpace(part[:dash])
		endText := strings.TrimSpace(part[dash+1:])
		if startText == "" {
			// Suffix form: the final N bytes, clamped to the resource.
			suffix, err := strconv.ParseInt(endText, 10, 64)
			if err != nil || suffix < 0 {
				return nil, ErrMalformed
			}
			if suffix == 0 {
				return nil, ErrUnsatisfiable
			}
			if suffix > size {
				suffix = size
			}
			specs = append(specs, Spec{Start: size - suffix, Length: suffix})
			continue
		}
		start, err := strconv.ParseInt(startText, 10, 64)
		if err != nil || start < 0 {
			return nil, ErrMalformed
		}
		if start >= size {
			return nil, ErrUnsatisfiable
		}
		end := size - 1
		if endText != "" {
			end, err = strconv.ParseInt(endText, 10, 64)
			if err != nil || end < start {
				return nil, ErrMalformed
			}
			if end >= size {
				end = size - 1
			}
		}
		specs = append(specs, Spec{Start: start, Length: end - start + 1})
	}
	if len(specs) == 0 {
		return nil, ErrMalformed
	}
	return specs, nil
}
