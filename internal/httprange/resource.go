package httprange

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
)

// Resource is a finite randomly addressable byte source ready to be served
// either whole or as one or more byte ranges.
type Resource struct {
	name        string
	contentType string
	src         io.ReaderAt
	size        int64
}

// NewResource wraps an already random-access source of known size.
func NewResource(name, contentType string, src io.ReaderAt, size int64) *Resource {
	return &Resource{name: name, contentType: contentType, src: src, size: size}
}

// Materialize drains a sequential source into memory so it can be sliced
// randomly. Blob fetches are not seekable, so streaming a range requires
// this one-shot copy; the buffer is discarded with the response.
func Materialize(name, contentType string, src io.Reader) (*Resource, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("materialize %s: %w", name, err)
	}
	return NewResource(name, contentType, bytesReaderAt(data), int64(len(data))), nil
}

type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Name returns the artifact name the resource was resolved from.
func (r *Resource) Name() string { return r.name }

// Size returns the total byte length of the resource.
func (r *Resource) Size() int64 { return r.size }

// Serve writes the resource to w honouring the request's Range header:
// 200 with the whole body when no range is requested, 206 with a single
// window or a multipart/byteranges body otherwise, and 416 when a range
// starts beyond the resource end. A malformed Range header is ignored and
// the full resource is served.
func (r *Resource) Serve(w http.ResponseWriter, req *http.Request) error {
	specs, err := Parse(req.Header.Get("Range"), r.size)
	switch {
	case err == ErrUnsatisfiable:
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", r.size))
		http.Error(w, fmt.Sprintf("requested range not satisfiable for %s", r.name), http.StatusRequestedRangeNotSatisfiable)
		return nil
	case err == ErrMalformed:
		specs = nil
	case err != nil:
		return err
	}

	w.Header().Set("Accept-Ranges", "bytes")
	switch len(specs) {
	case 0:
		return r.serveFull(w)
	case 1:
		return r.servePartial(w, specs[0])
	default:
		return r.serveMultipart(w, specs)
	}
}

func (r *Resource) serveFull(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", r.contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(r.size, 10))
	w.WriteHeader(http.StatusOK)
	return r.copyWindow(w, Spec{Start: 0, Length: r.size})
}

func (r *Resource) servePartial(w http.ResponseWriter, spec Spec) error {
	w.Header().Set("Content-Type", r.contentType)
	w.Header().Set("Content-Range", spec.ContentRange(r.size))
	w.Header().Set("Content-Length", strconv.FormatInt(spec.Length, 10))
	w.WriteHeader(http.StatusPartialContent)
	return r.copyWindow(w, spec)
}

func (r *Resource) serveMultipart(w http.ResponseWriter, specs []Spec) error {
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/byteranges; boundary="+mw.Boundary())
	// Declared length is the exact wire length of the multipart body,
	// separators and part headers included.
	w.Header().Set("Content-Length", strconv.FormatInt(r.multipartLength(mw.Boundary(), specs), 10))
	w.WriteHeader(http.StatusPartialContent)
	for _, spec := range specs {
		part, err := mw.CreatePart(r.partHeader(spec))
		if err != nil {
			return err
		}
		if err := r.copyWindow(part, spec); err != nil {
			return err
		}
	}
	return mw.Close()
}

func (r *Resource) partHeader(spec Spec) textproto.MIMEHeader {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", r.contentType)
	header.Set("Content-Range", spec.ContentRange(r.size))
	return header
}

// multipartLength computes the encoded body size by writing the multipart
// framing, with the same boundary, into a counter instead of the wire.
func (r *Resource) multipartLength(boundary string, specs []Spec) int64 {
	var counter countingWriter
	mw := multipart.NewWriter(&counter)
	_ = mw.SetBoundary(boundary)
	total := int64(0)
	for _, spec := range specs {
		if _, err := mw.CreatePart(r.partHeader(spec)); err != nil {
			return 0
		}
		total += spec.Length
	}
	if err := mw.Close(); err != nil {
		return 0
	}
	return total + int64(counter)
}

type countingWriter int64

func (c *countingWriter) Write(p []byte) (int, error) {
	*c += countingWriter(len(p))
	return len(p), nil
}

func (r *Resource) copyWindow(dst io.Writer, spec Spec) error {
	if _, err := io.Copy(dst, io.NewSectionReader(r.src, spec.Start, spec.Length)); err != nil {
		return fmt.Errorf("stream %s range %d-%d: %w", r.name, spec.Start, spec.End(), err)
	}
	return nil
}
