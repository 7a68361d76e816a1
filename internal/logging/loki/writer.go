// Package loki provides a zerolog writer that pushes logs to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"

	"github.com/castella/castella/internal/retry"
)

// DefaultJob is the job label added when Labels has none.
const DefaultJob = "castella"

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            `yaml:"url"`            // Loki base URL, e.g. http://loki:3100
	Labels        map[string]string `yaml:"labels"`         // static labels for every stream
	BatchSize     int               `yaml:"batch_size"`     // entries before a flush (default 100)
	MaxBuffered   int               `yaml:"max_buffered"`   // entries kept while Loki is down (default 100 batches)
	FlushInterval time.Duration     `yaml:"flush_interval"` // default 5s
	Timeout       time.Duration     `yaml:"timeout"`        // per push attempt (default 10s)
	Retry         retry.Policy      `yaml:"retry"`
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock sets the clock used for timestamps and the flush ticker.
func WithClock(c clockwork.Clock) Option {
	return func(w *Writer) { w.clock = c }
}

// WithHTTPClient replaces the push client.
func WithHTTPClient(c *http.Client) Option {
	return func(w *Writer) { w.client = c }
}

// Writer implements io.Writer and pushes zerolog JSON lines to Loki, one
// stream per level. Entries are buffered and flushed periodically or when a
// batch is full. Write never fails, so Loki outages do not disrupt logging.
type Writer struct {
	url      string
	labels   map[string]string
	client   *http.Client
	clock    clockwork.Clock
	policy   retry.Policy
	interval time.Duration

	mu          sync.Mutex
	buffer      []entry
	batchSize   int
	maxBuffered int

	flushMu      sync.Mutex    // serializes pushes
	flushTrigger chan struct{} // buffered to allow one pending flush

	flushErrors atomic.Uint64
	dropped     atomic.Uint64
}

type entry struct {
	timestamp time.Time
	level     string
	line      string
}

// pushRequest is the payload format for Loki's push API.
type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// statusError is a non-2xx push response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("loki returned status %d", e.code)
	}
	return fmt.Sprintf("loki returned status %d: %s", e.code, e.body)
}

// NewWriter creates a new Loki writer with the given configuration.
func NewWriter(cfg Config, opts ...Option) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 100 * cfg.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxTries == 0 {
		cfg.Retry.MaxTries = 3
	}
	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = DefaultJob
	}

	w := &Writer{
		url:          strings.TrimRight(cfg.URL, "/"),
		labels:       labels,
		clock:        clockwork.NewRealClock(),
		policy:       cfg.Retry,
		interval:     cfg.FlushInterval,
		buffer:       make([]entry, 0, cfg.BatchSize),
		batchSize:    cfg.BatchSize,
		maxBuffered:  cfg.MaxBuffered,
		flushTrigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.client == nil {
		w.client = &http.Client{Timeout: cfg.Timeout}
	}
	return w
}

// Write implements io.Writer. Each call is expected to carry one zerolog
// JSON event; its "level" field selects the stream.
func (w *Writer) Write(p []byte) (int, error) {
	// Copy: zerolog reuses the buffer
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	e := entry{timestamp: w.clock.Now(), level: levelOf(line), line: line}

	w.mu.Lock()
	if len(w.buffer) >= w.maxBuffered {
		w.buffer = w.buffer[1:]
		w.dropped.Add(1)
	}
	w.buffer = append(w.buffer, e)
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushTrigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

func levelOf(line string) string {
	var ev struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Level == "" {
		return "unknown"
	}
	return ev.Level
}

// Run flushes every FlushInterval and whenever a batch fills, until ctx
// ends. It then makes one final flush bounded by the push timeout.
func (w *Writer) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.client.Timeout)
			w.report(w.Flush(final))
			cancel()
			return
		case <-ticker.Chan():
			w.report(w.Flush(ctx))
		case <-w.flushTrigger:
			w.report(w.Flush(ctx))
		}
	}
}

// Flush pushes everything buffered. On failure the entries are put back at
// the front of the buffer for the next attempt.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	w.mu.Unlock()

	for start := 0; start < len(entries); start += w.batchSize {
		end := min(start+w.batchSize, len(entries))
		if err := w.push(ctx, entries[start:end]); err != nil {
			w.requeue(entries[start:])
			return err
		}
	}
	return nil
}

func (w *Writer) requeue(entries []entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	merged := append(entries[:len(entries):len(entries)], w.buffer...)
	if over := len(merged) - w.maxBuffered; over > 0 {
		merged = merged[over:]
		w.dropped.Add(uint64(over))
	}
	w.buffer = merged
}

func (w *Writer) push(ctx context.Context, entries []entry) error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(w.payload(entries)); err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress payload: %w", err)
	}
	data := buf.Bytes()

	_, err := retry.Do(ctx, w.policy, retryable, nil, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/loki/api/v1/push", bytes.NewReader(data))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Content-Encoding", "gzip")

		resp, err := w.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return struct{}{}, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
		}
		return struct{}{}, nil
	})
	return err
}

// payload groups entries into one stream per level, in level order.
func (w *Writer) payload(entries []entry) pushRequest {
	values := make(map[string][][]string)
	for _, e := range entries {
		// Loki expects nanosecond timestamps as strings
		values[e.level] = append(values[e.level], []string{strconv.FormatInt(e.timestamp.UnixNano(), 10), e.line})
	}
	levels := make([]string, 0, len(values))
	for l := range values {
		levels = append(levels, l)
	}
	sort.Strings(levels)

	w.mu.Lock()
	defer w.mu.Unlock()
	req := pushRequest{Streams: make([]stream, 0, len(levels))}
	for _, l := range levels {
		labels := make(map[string]string, len(w.labels)+1)
		for k, v := range w.labels {
			labels[k] = v
		}
		labels["level"] = l
		req.Streams = append(req.Streams, stream{Stream: labels, Values: values[l]})
	}
	return req
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return true
}

// report writes push failures to stderr, only the first few to avoid spam.
// Logging them through zerolog would feed back into this writer.
func (w *Writer) report(err error) {
	if err == nil {
		return
	}
	if n := w.flushErrors.Add(1); n <= 3 {
		fmt.Fprintf(os.Stderr, "loki: failed to push logs: %v\n", err)
	}
}

// FlushErrors returns the count of failed flushes.
func (w *Writer) FlushErrors() uint64 {
	return w.flushErrors.Load()
}

// Dropped returns the count of entries discarded because the buffer was full.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

// Buffered returns the number of entries waiting to be pushed.
func (w *Writer) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// SetLabels updates the labels for future pushes.
func (w *Writer) SetLabels(labels map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range labels {
		w.labels[k] = v
	}
}
