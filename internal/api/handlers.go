// Package api exposes the HTTP surface: upload intake, asset listings, and
// artifact streaming with byte-range support.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"vodforge/internal/observability/metrics"
	"vodforge/internal/pipeline"
	"vodforge/internal/storage"
)

// VideoProcessor runs one upload through transcode and publish, returning
// the keys a player streams from.
type VideoProcessor interface {
	Process(ctx context.Context, body io.Reader, filename string) (pipeline.PublishSummary, error)
}

type Handler struct {
	Processor VideoProcessor
	Assets    storage.Repository
	Blob      storage.BlobStore
	// KeyPrefix namespaces published artifact keys, "hls" when empty. It
	// must match the prefix the processor publishes under.
	KeyPrefix string
	// MaxUploadBytes caps one upload body, 0 for unlimited.
	MaxUploadBytes int64
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

func NewHandler(processor VideoProcessor, assets storage.Repository, blob storage.BlobStore) *Handler {
	return &Handler{Processor: processor, Assets: assets, Blob: blob}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

func (h *Handler) keyPrefix() string {
	prefix := strings.Trim(strings.TrimSpace(h.KeyPrefix), "/")
	if prefix == "" {
		return "hls"
	}
	return prefix
}

// Upload accepts a multipart form with a single "file" field, runs it
// through the pipeline, and answers with a plain-text confirmation naming
// the stream path.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	}
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart payload"))
		return
	}
	part, filename, err := nextFilePart(reader)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer part.Close()

	summary, err := h.Processor.Process(r.Context(), part, filename)
	if err != nil {
		var uploadErr *pipeline.UploadError
		if errors.As(err, &uploadErr) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.logger().Error("upload pipeline failed", "filename", filename, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "video %s ready: stream at /stream/%s\n", summary.AssetID, h.streamPath(summary.ManifestKey))
}

// streamPath converts a published key into the path segment a client appends
// to /stream/.
func (h *Handler) streamPath(key string) string {
	return strings.TrimPrefix(key, h.keyPrefix()+"/")
}

// nextFilePart scans the multipart stream for the first "file" field.
func nextFilePart(reader *multipart.Reader) (*multipart.Part, string, error) {
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, "", fmt.Errorf("multipart field %q is required", "file")
		}
		if err != nil {
			return nil, "", fmt.Errorf("read multipart data: %w", err)
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}
		filename := strings.TrimSpace(part.FileName())
		if filename == "" {
			filename = "upload.bin"
		}
		return part, filename, nil
	}
}

// Videos lists every known asset, newest last.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	assets, err := h.Assets.ListAssets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if assets == nil {
		assets = []storage.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

// VideoByID reports a single asset's lifecycle record.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("video id missing"))
		return
	}
	asset, err := h.Assets.GetAsset(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

// Healthz answers liveness probes.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
