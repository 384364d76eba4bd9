package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/sells-group/lead-converter/internal/model"
)

// StatusKind labels a status message.
type StatusKind string

const (
	StatusState    StatusKind = "state"
	StatusProgress StatusKind = "progress"
	StatusRowError StatusKind = "row_failed"
	StatusWarning  StatusKind = "warning"
	StatusSummary  StatusKind = "summary"
)

// Status is one message on the progress stream.
type Status struct {
	Kind     StatusKind
	State    model.RunStatus
	Message  string
	Progress float64 // percent of rows visited, 0..100
	Row      int     // 1-based row, 0 when not row-scoped
	Summary  *model.Summary
}

// Reporter receives status messages from the worker. Report must not block.
type Reporter interface {
	Report(Status)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Status)

// Report calls f.
func (f ReporterFunc) Report(s Status) { f(s) }

type discardReporter struct{}

func (discardReporter) Report(Status) {}

// ChannelReporter publishes status on a buffered channel. When the buffer is
// full the message is dropped and counted so the worker never stalls behind
// a slow consumer.
type ChannelReporter struct {
	ch      chan Status
	dropped atomic.Int64
	mu      sync.RWMutex
	closed  bool
}

// NewChannelReporter returns a reporter with the given buffer size.
func NewChannelReporter(buffer int) *ChannelReporter {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelReporter{ch: make(chan Status, buffer)}
}

// Report sends s without blocking.
func (r *ChannelReporter) Report(s Status) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.ch <- s:
	default:
		r.dropped.Add(1)
	}
}

// C returns the receive side of the stream.
func (r *ChannelReporter) C() <-chan Status {
	return r.ch
}

// Dropped returns how many messages were discarded.
func (r *ChannelReporter) Dropped() int64 {
	return r.dropped.Load()
}

// Close ends the stream. Later reports are dropped.
func (r *ChannelReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
}
