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

// BlobLabel identifies a blob store operation and its result.
type BlobLabel struct {
	Operation string
	Result    string
}

type stepTotals struct {
	count    uint64
	duration time.Duration
}

// Recorder aggregates in-memory counters and gauges for the ops listener and
// the flight publishing pipeline. Writers are coordinated through a RWMutex;
// the active job gauge is atomic so it can be read without locking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	jobOutcomes     map[string]uint64
	steps           map[string]stepTotals
	blobOps         map[BlobLabel]uint64
	transcodeRuns   map[string]uint64
	enqueued        map[string]uint64
	activeJobs      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		jobOutcomes:     make(map[string]uint64),
		steps:           make(map[string]stepTotals),
		blobOps:         make(map[BlobLabel]uint64),
		transcodeRuns:   make(map[string]uint64),
		enqueued:        make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by method,
// normalized path, and status code.
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

// PublishStarted increments the active publish job gauge.
func (r *Recorder) PublishStarted() {
	r.activeJobs.Add(1)
}

// PublishFinished records the outcome of one publish execution (published,
// skipped, failed) and releases the active job gauge.
func (r *Recorder) PublishFinished(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.jobOutcomes[normalized]++
	r.mu.Unlock()
	r.decrementGauge(&r.activeJobs)
}

// ObserveStep accumulates the time spent in one pipeline step.
func (r *Recorder) ObserveStep(step string, duration time.Duration) {
	name := normalizeName(step)
	r.mu.Lock()
	totals := r.steps[name]
	totals.count++
	totals.duration += duration
	r.steps[name] = totals
	r.mu.Unlock()
}

// ObserveBlobOperation counts a blob store call by operation and result.
func (r *Recorder) ObserveBlobOperation(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	label := BlobLabel{Operation: normalizeName(operation), Result: result}
	r.mu.Lock()
	r.blobOps[label]++
	r.mu.Unlock()
}

// ObserveTranscode counts transcoder invocations by result (ok, error, timeout).
func (r *Recorder) ObserveTranscode(result string) {
	normalized := normalizeName(result)
	r.mu.Lock()
	r.transcodeRuns[normalized]++
	r.mu.Unlock()
}

// ObserveEnqueue counts publish tasks handed to the dispatcher by source
// (cli, sweep, submit).
func (r *Recorder) ObserveEnqueue(source string) {
	normalized := normalizeName(source)
	r.mu.Lock()
	r.enqueued[normalized]++
	r.mu.Unlock()
}

// ActivePublishJobs exposes the number of publish executions in progress.
func (r *Recorder) ActivePublishJobs() int64 {
	return r.activeJobs.Load()
}

// PublishOutcomes returns a copy of the outcome counters.
func (r *Recorder) PublishOutcomes() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.jobOutcomes))
	for k, v := range r.jobOutcomes {
		out[k] = v
	}
	return out
}

// BlobOperations returns a copy of the blob operation counters.
func (r *Recorder) BlobOperations() map[BlobLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[BlobLabel]uint64, len(r.blobOps))
	for k, v := range r.blobOps {
		out[k] = v
	}
	return out
}

// Enqueued returns a copy of the enqueue counters keyed by source.
func (r *Recorder) Enqueued() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.enqueued))
	for k, v := range r.enqueued {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.jobOutcomes = make(map[string]uint64)
	r.steps = make(map[string]stepTotals)
	r.blobOps = make(map[BlobLabel]uint64)
	r.transcodeRuns = make(map[string]uint64)
	r.enqueued = make(map[string]uint64)
	r.activeJobs.Store(0)
}

// Handler exposes the Recorder as Prometheus text exposition.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with label sets sorted
// for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP skyflow_http_requests_total Total number of HTTP requests served by the ops listener")
	fmt.Fprintln(w, "# TYPE skyflow_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "skyflow_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP skyflow_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE skyflow_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "skyflow_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP skyflow_publish_jobs_total Flight publish executions by outcome")
	fmt.Fprintln(w, "# TYPE skyflow_publish_jobs_total counter")
	for _, outcome := range sortedKeys(r.jobOutcomes) {
		fmt.Fprintf(w, "skyflow_publish_jobs_total{outcome=\"%s\"} %d\n", outcome, r.jobOutcomes[outcome])
	}

	fmt.Fprintln(w, "# HELP skyflow_publish_active_jobs Current number of flight publish executions in progress")
	fmt.Fprintln(w, "# TYPE skyflow_publish_active_jobs gauge")
	fmt.Fprintf(w, "skyflow_publish_active_jobs %d\n", r.activeJobs.Load())

	steps := make([]string, 0, len(r.steps))
	for step := range r.steps {
		steps = append(steps, step)
	}
	sort.Strings(steps)

	fmt.Fprintln(w, "# HELP skyflow_publish_step_duration_seconds_sum Cumulative time spent per pipeline step")
	fmt.Fprintln(w, "# TYPE skyflow_publish_step_duration_seconds_sum counter")
	for _, step := range steps {
		fmt.Fprintf(w, "skyflow_publish_step_duration_seconds_sum{step=\"%s\"} %f\n", step, r.steps[step].duration.Seconds())
	}

	fmt.Fprintln(w, "# HELP skyflow_publish_step_duration_seconds_count Observations per pipeline step")
	fmt.Fprintln(w, "# TYPE skyflow_publish_step_duration_seconds_count counter")
	for _, step := range steps {
		fmt.Fprintf(w, "skyflow_publish_step_duration_seconds_count{step=\"%s\"} %d\n", step, r.steps[step].count)
	}

	fmt.Fprintln(w, "# HELP skyflow_blob_operations_total Blob store operations by type and result")
	fmt.Fprintln(w, "# TYPE skyflow_blob_operations_total counter")
	for _, label := range r.sortedBlobLabels() {
		fmt.Fprintf(w, "skyflow_blob_operations_total{operation=\"%s\",result=\"%s\"} %d\n", label.Operation, label.Result, r.blobOps[label])
	}

	fmt.Fprintln(w, "# HELP skyflow_transcode_runs_total Transcoder invocations by result")
	fmt.Fprintln(w, "# TYPE skyflow_transcode_runs_total counter")
	for _, result := range sortedKeys(r.transcodeRuns) {
		fmt.Fprintf(w, "skyflow_transcode_runs_total{result=\"%s\"} %d\n", result, r.transcodeRuns[result])
	}

	fmt.Fprintln(w, "# HELP skyflow_publish_enqueued_total Publish tasks handed to the dispatcher by source")
	fmt.Fprintln(w, "# TYPE skyflow_publish_enqueued_total counter")
	for _, source := range sortedKeys(r.enqueued) {
		fmt.Fprintf(w, "skyflow_publish_enqueued_total{source=\"%s\"} %d\n", source, r.enqueued[source])
	}
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

func (r *Recorder) sortedBlobLabels() []BlobLabel {
	labels := make([]BlobLabel, 0, len(r.blobOps))
	for label := range r.blobOps {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Operation != labels[j].Operation {
			return labels[i].Operation < labels[j].Operation
		}
		return labels[i].Result < labels[j].Result
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part != "" && looksLikeIdentifier(part) {
			parts[i] = ":id"
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

// ObserveRequest records a request on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
