package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, pipeline runs, transcode jobs, and stream delivery. It
// coordinates concurrent writers via a RWMutex while exposing thread-safe
// gauges for active pipeline tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	pipelineEvents  map[string]uint64
	transcodeEvents map[TranscodeJobLabel]uint64
	streamEvents    map[string]uint64
	uploadBytes     uint64
	activePipelines atomic.Int64
}

type TranscodeJobLabel struct {
	Status string
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		pipelineEvents:  make(map[string]uint64),
		transcodeEvents: make(map[TranscodeJobLabel]uint64),
		streamEvents:    make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// PipelineStarted records the beginning of a processing run and increments
// the active pipeline gauge.
func (r *Recorder) PipelineStarted() {
	r.incrementPipelineEvent("start")
	r.activePipelines.Add(1)
}

// PipelineCompleted records a run that published its manifest and segments,
// decrementing the active gauge.
func (r *Recorder) PipelineCompleted() {
	r.incrementPipelineEvent("complete")
	r.decrementGauge(&r.activePipelines)
}

// PipelineFailed records a run that ended in error, decrementing the active
// gauge without allowing it to go negative when the run never started.
func (r *Recorder) PipelineFailed() {
	r.incrementPipelineEvent("fail")
	r.decrementGauge(&r.activePipelines)
}

func (r *Recorder) incrementPipelineEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.pipelineEvents[normalized]++
	r.mu.Unlock()
}

// ObserveTranscodeJob records the outcome of a single engine invocation keyed
// by status (e.g., "complete", "exit", "spawn", "timeout").
func (r *Recorder) ObserveTranscodeJob(status string) {
	label := TranscodeJobLabel{Status: normalizeName(status)}
	r.mu.Lock()
	r.transcodeEvents[label]++
	r.mu.Unlock()
}

// ObserveStreamDelivery records a playback artifact response keyed by shape
// (e.g., "full", "partial", "multipart", "unsatisfiable", "not_found").
func (r *Recorder) ObserveStreamDelivery(shape string) {
	normalized := normalizeName(shape)
	r.mu.Lock()
	r.streamEvents[normalized]++
	r.mu.Unlock()
}

// ObserveUploadBytes accumulates the byte size of accepted upload bodies.
func (r *Recorder) ObserveUploadBytes(n int64) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.uploadBytes += uint64(n)
	r.mu.Unlock()
}

// ActivePipelines exposes the current gauge of concurrently running
// processing pipelines.
func (r *Recorder) ActivePipelines() int64 {
	return r.activePipelines.Load()
}

// PipelineCounts returns copies of pipeline event counters and the current
// active gauge value for testing and reporting purposes.
func (r *Recorder) PipelineCounts() (events map[string]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[string]uint64, len(r.pipelineEvents))
	for k, v := range r.pipelineEvents {
		events[k] = v
	}
	return events, r.activePipelines.Load()
}

// TranscodeJobCounts returns copies of transcode job outcome counters.
func (r *Recorder) TranscodeJobCounts() map[TranscodeJobLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[TranscodeJobLabel]uint64, len(r.transcodeEvents))
	for k, v := range r.transcodeEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.pipelineEvents = make(map[string]uint64)
	r.transcodeEvents = make(map[TranscodeJobLabel]uint64)
	r.streamEvents = make(map[string]uint64)
	r.uploadBytes = 0
	r.activePipelines.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	pipelineEvents := r.sortedPipelineEvents()
	transcodeEvents := r.sortedTranscodeJobLabels()
	streamEvents := r.sortedStreamEvents()

	fmt.Fprintln(w, "# HELP vodforge_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE vodforge_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vodforge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vodforge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE vodforge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "vodforge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP vodforge_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE vodforge_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vodforge_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vodforge_pipeline_runs_total Processing pipeline lifecycle events by type")
	fmt.Fprintln(w, "# TYPE vodforge_pipeline_runs_total counter")
	for _, event := range pipelineEvents {
		value := r.pipelineEvents[event]
		fmt.Fprintf(w, "vodforge_pipeline_runs_total{event=\"%s\"} %d\n", event, value)
	}

	fmt.Fprintln(w, "# HELP vodforge_active_pipelines Current number of processing pipelines in flight")
	fmt.Fprintln(w, "# TYPE vodforge_active_pipelines gauge")
	fmt.Fprintf(w, "vodforge_active_pipelines %d\n", r.activePipelines.Load())

	fmt.Fprintln(w, "# HELP vodforge_transcode_jobs_total Transcode engine invocations by outcome")
	fmt.Fprintln(w, "# TYPE vodforge_transcode_jobs_total counter")
	for _, label := range transcodeEvents {
		count := r.transcodeEvents[label]
		fmt.Fprintf(w, "vodforge_transcode_jobs_total{status=\"%s\"} %d\n", label.Status, count)
	}

	fmt.Fprintln(w, "# HELP vodforge_stream_deliveries_total Playback artifact responses by shape")
	fmt.Fprintln(w, "# TYPE vodforge_stream_deliveries_total counter")
	for _, event := range streamEvents {
		count := r.streamEvents[event]
		fmt.Fprintf(w, "vodforge_stream_deliveries_total{shape=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP vodforge_upload_bytes_total Cumulative size of accepted upload bodies in bytes")
	fmt.Fprintln(w, "# TYPE vodforge_upload_bytes_total counter")
	fmt.Fprintf(w, "vodforge_upload_bytes_total %d\n", r.uploadBytes)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedPipelineEvents() []string {
	events := make([]string, 0, len(r.pipelineEvents))
	for event := range r.pipelineEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedStreamEvents() []string {
	events := make([]string, 0, len(r.streamEvents))
	for event := range r.streamEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedTranscodeJobLabels() []TranscodeJobLabel {
	labels := make([]TranscodeJobLabel, 0, len(r.transcodeEvents))
	for label := range r.transcodeEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if strings.HasPrefix(path, "/stream/") {
		return "/stream/:artifact"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// PipelineStarted increments counters on the default recorder.
func PipelineStarted() {
	defaultRecorder.PipelineStarted()
}

// PipelineCompleted records a finished run on the default recorder.
func PipelineCompleted() {
	defaultRecorder.PipelineCompleted()
}

// PipelineFailed records a failed run on the default recorder.
func PipelineFailed() {
	defaultRecorder.PipelineFailed()
}

// ObserveTranscodeJob records an engine outcome on the default recorder.
func ObserveTranscodeJob(status string) {
	defaultRecorder.ObserveTranscodeJob(status)
}

// ObserveStreamDelivery records an artifact response on the default recorder.
func ObserveStreamDelivery(shape string) {
	defaultRecorder.ObserveStreamDelivery(shape)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
