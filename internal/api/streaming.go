package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"vodforge/internal/httprange"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/storage"
)

// Stream serves a published artifact by name, honoring Range requests. The
// path remainder after /stream/ is the artifact's key inside the published
// namespace, e.g. /stream/<run>/<name>.m3u8.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	name := strings.Trim(r.PathValue("artifact"), "/")
	if name == "" || strings.Contains(name, "..") {
		h.recorder().ObserveStreamDelivery("not_found")
		writeError(w, http.StatusNotFound, fmt.Errorf("artifact name missing"))
		return
	}
	key := h.keyPrefix() + "/" + name

	body, err := h.Blob.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.recorder().ObserveStreamDelivery("not_found")
			writeError(w, http.StatusNotFound, fmt.Errorf("artifact %s not found", name))
			return
		}
		h.logger().Error("artifact fetch failed", "key", key, "error", err)
		h.recorder().ObserveStreamDelivery("error")
		writeError(w, http.StatusInternalServerError, fmt.Errorf("fetch artifact %s: %w", name, err))
		return
	}
	defer body.Close()

	// Blob reads are sequential; byte-range slicing needs random access, so
	// the artifact is buffered once per request.
	resource, err := httprange.Materialize(name, storage.ContentTypeForKey(key), body)
	if err != nil {
		h.logger().Error("artifact materialize failed", "key", key, "error", err)
		h.recorder().ObserveStreamDelivery("error")
		writeError(w, http.StatusInternalServerError, fmt.Errorf("read artifact %s: %w", name, err))
		return
	}

	rec := metrics.NewResponseRecorder(w)
	if err := resource.Serve(rec, r); err != nil {
		h.logger().Warn("stream response aborted", "key", key, "error", err)
	}
	h.recorder().ObserveStreamDelivery(deliveryShape(rec.Status(), r.Header.Get("Range")))
}

func deliveryShape(status int, rangeHeader string) string {
	switch status {
	case http.StatusPartialContent:
		if strings.Contains(rangeHeader, ",") {
			return "multipart"
		}
		return "partial"
	case http.StatusRequestedRangeNotSatisfiable:
		return "unsatisfiable"
	case http.StatusOK:
		return "full"
	default:
		return "error"
	}
}
