package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/castella/castella/internal/metrics"
)

// State is a pipeline stage of one transfer.
type State string

// Upload states
const (
	StateReceived   State = "received"
	StateAllocated  State = "allocated"
	StateEncrypting State = "encrypting"
	StateAdmitted   State = "admitted"
	StateWriting    State = "writing"
	StateCataloged  State = "cataloged"
)

// Download states
const (
	StateRequested  State = "requested"
	StateLookedUp   State = "looked_up"
	StateReading    State = "reading"
	StateDecrypting State = "decrypting"
	StateStreaming  State = "streaming"
)

// Terminal states
const (
	StateDone   State = "done"
	StateFailed State = "failed"
)

const (
	directionUpload   = "upload"
	directionDownload = "download"
)

// tracker follows one transfer through its states, keeping the in-flight
// gauge and the outcome counters current. A nil tracker ignores every call.
type tracker struct {
	m         *metrics.Metrics
	log       zerolog.Logger
	direction string
	start     time.Time

	mu       sync.Mutex
	state    State
	finished bool
}

func newTracker(m *metrics.Metrics, log zerolog.Logger, direction string, initial State) *tracker {
	t := &tracker{m: m, log: log, direction: direction, start: time.Now(), state: initial}
	m.TransferStates.WithLabelValues(direction, string(initial)).Inc()
	return t
}

func (t *tracker) enter(s State) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished || t.state == s {
		return
	}
	t.m.TransferStates.WithLabelValues(t.direction, string(t.state)).Dec()
	t.m.TransferStates.WithLabelValues(t.direction, string(s)).Inc()
	t.log.Trace().Str("from", string(t.state)).Str("to", string(s)).Msg("transfer state")
	t.state = s
}

// current returns the state the transfer is in.
func (t *tracker) current() State {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// finish records the outcome once; later calls do nothing.
func (t *tracker) finish(err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.finished = true
	t.m.TransferStates.WithLabelValues(t.direction, string(t.state)).Dec()

	result := string(StateDone)
	if err != nil {
		result = string(KindOf(err))
		ev := t.log.Warn()
		if KindOf(err) == KindCanceled {
			ev = t.log.Debug()
		}
		ev.Err(err).Str("state", string(t.state)).Str("kind", result).Msg("transfer failed")
		t.state = StateFailed
	} else {
		t.state = StateDone
	}
	t.m.TransfersTotal.WithLabelValues(t.direction, result).Inc()
	t.m.TransferDuration.WithLabelValues(t.direction).Observe(time.Since(t.start).Seconds())
}

type trackerKey struct{}

func withTracker(ctx context.Context, t *tracker) context.Context {
	return context.WithValue(ctx, trackerKey{}, t)
}

func trackerFrom(ctx context.Context) *tracker {
	t, _ := ctx.Value(trackerKey{}).(*tracker)
	return t
}
