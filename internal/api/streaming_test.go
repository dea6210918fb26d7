package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"vodforge/internal/storage"
)

func newStreamHandler(t *testing.T, objects map[string][]byte) *Handler {
	t.Helper()
	blob := storage.NewMemoryBlobStore()
	ctx := context.Background()
	for key, data := range objects {
		if err := blob.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.ContentTypeForKey(key)); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}
	return NewHandler(&fakeProcessor{}, storage.NewMemoryRepository(), blob)
}

func streamRequest(method, artifact, rangeHeader string) *http.Request {
	req := httptest.NewRequest(method, "/stream/"+artifact, nil)
	req.SetPathValue("artifact", artifact)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	return req
}

func TestStreamFullArtifact(t *testing.T) {
	payload := []byte("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-ENDLIST\n")
	h := newStreamHandler(t, map[string][]byte{"hls/run-1/clip.m3u8": payload})

	rr := httptest.NewRecorder()
	h.Stream(rr, streamRequest(http.MethodGet, "run-1/clip.m3u8", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if !bytes.Equal(rr.Body.Bytes(), payload) {
		t.Errorf("round trip mismatch: %q", rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("manifest content type = %q", ct)
	}
	if cl := rr.Header().Get("Content-Length"); cl != strconv.Itoa(len(payload)) {
		t.Errorf("Content-Length = %q, want %d", cl, len(payload))
	}
}

func TestStreamSegmentContentType(t *testing.T) {
	h := newStreamHandler(t, map[string][]byte{"hls/run-1/clip0.ts": []byte("segment bytes")})

	rr := httptest.NewRecorder()
	h.Stream(rr, streamRequest(http.MethodGet, "run-1/clip0.ts", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "video/MP2T" {
		t.Errorf("segment content type = %q", ct)
	}
}

func TestStreamSingleRange(t *testing.T) {
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	h := newStreamHandler(t, map[string][]byte{"hls/run-1/clip0.ts": payload})

	rr := httptest.NewRecorder()
	h.Stream(rr, streamRequest(http.MethodGet, "run-1/clip0.ts", "bytes=200-499"))

	if rr.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rr.Code)
	}
	if cr := rr.Header().Get("Content-Range"); cr != "bytes 200-499/1000" {
		t.Errorf("Content-Range = %q", cr)
	}
	if rr.Body.Len() != 300 {
		t.Errorf("body length = %d, want 300", rr.Body.Len())
	}
	if !bytes.Equal(rr.Body.Bytes(), payload[200:500]) {
		t.Error("range window bytes mismatch")
	}
}

func TestStreamUnsatisfiableRange(t *testing.T) {
	h := newStreamHandler(t, map[string][]byte{"hls/run-1/clip0.ts": make([]byte, 1000)})

	rr := httptest.NewRecorder()
	h.Stream(rr, streamRequest(http.MethodGet, "run-1/clip0.ts", "bytes=1200-1300"))

	if rr.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rr.Code)
	}
	if cr := rr.Header().Get("Content-Range"); cr != "bytes */1000" {
		t.Errorf("Content-Range = %q, want bytes */1000", cr)
	}
}

func TestStreamMalformedRangeServesFull(t *testing.T) {
	payload := []byte("full artifact body")
	h := newStreamHandler(t, map[string][]byte{"hls/run-1/clip0.ts": payload})

	rr := httptest.NewRecorder()
	h.Stream(rr, streamRequest(http.MethodGet, "run-1/clip0.ts", "bytes=abc"))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !bytes.Equal(rr.Body.Bytes(), payload) {
		t.Error("full body not served for malformed range")
	}
}

func TestStreamNotFoundNamesArtifact(t *testing.T) {
	h := newStreamHandler(t, nil)

	rr := httptest.NewRecorder()
	h.Stream(rr, streamRequest(http.MethodGet, "run-9/ghost.ts", ""))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "run-9/ghost.ts") {
		t.Errorf("404 body does not name the artifact: %s", rr.Body.String())
	}
}

func TestStreamRejectsTraversal(t *testing.T) {
	h := newStreamHandler(t, nil)
	rr := httptest.NewRecorder()
	h.Stream(rr, streamRequest(http.MethodGet, "../secrets", ""))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

type failingGetStore struct {
	*storage.MemoryBlobStore
}

func (f *failingGetStore) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("backend unavailable")
}

func TestStreamStorageErrorIsServerError(t *testing.T) {
	h := NewHandler(&fakeProcessor{}, storage.NewMemoryRepository(), &failingGetStore{storage.NewMemoryBlobStore()})
	rr := httptest.NewRecorder()
	h.Stream(rr, streamRequest(http.MethodGet, "run-1/clip0.ts", ""))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
}

func TestStreamMethodNotAllowed(t *testing.T) {
	h := newStreamHandler(t, nil)
	rr := httptest.NewRecorder()
	h.Stream(rr, streamRequest(http.MethodPost, "run-1/clip0.ts", ""))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}
