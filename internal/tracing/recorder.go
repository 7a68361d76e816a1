// Package tracing keeps a rolling runtime trace with Go's FlightRecorder so
// a slow transfer can be inspected after the fact with `go tool trace`.
package tracing

import (
	"errors"
	"io"
	"runtime/trace"
	"sync"
	"time"
)

// Defaults
const (
	DefaultBufferSize = 10 * 1024 * 1024
	DefaultMinAge     = 30 * time.Second
)

// ErrNotEnabled is returned by Snapshot when the recorder is not running.
var ErrNotEnabled = errors.New("tracing not enabled")

// Recorder wraps a FlightRecorder. The zero value is a stopped recorder.
type Recorder struct {
	mu       sync.Mutex
	recorder *trace.FlightRecorder
}

// Start begins recording into a ring buffer of roughly bufferSize bytes
// holding at least minAge of history. Zero values select the defaults.
// Starting a running recorder is a no-op.
func (r *Recorder) Start(bufferSize int64, minAge time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recorder != nil {
		return nil
	}

	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if minAge <= 0 {
		minAge = DefaultMinAge
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   minAge,
		MaxBytes: uint64(bufferSize),
	})
	if err := fr.Start(); err != nil {
		return err
	}
	r.recorder = fr
	return nil
}

// Enabled reports whether the recorder is running.
func (r *Recorder) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorder != nil
}

// Snapshot writes the buffered trace to w.
func (r *Recorder) Snapshot(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recorder == nil {
		return ErrNotEnabled
	}
	_, err := r.recorder.WriteTo(w)
	return err
}

// Stop stops recording. It is safe to call Stop multiple times.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recorder != nil {
		r.recorder.Stop()
		r.recorder = nil
	}
}
