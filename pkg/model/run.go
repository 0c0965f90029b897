package model

import (
	"sync"
	"time"
)

// Result is the terminal outcome of a Run.
type Result string

const (
	ResultUnknown Result = "UNKNOWN"
	ResultSuccess Result = "SUCCESS"
	ResultFailed  Result = "FAILED"
	ResultAborted Result = "ABORTED"
)

// Phase is the coarse lifecycle state of a Run, derived from its
// timestamps rather than stored directly.
type Phase string

const (
	PhaseQueued  Phase = "QUEUED"
	PhaseRunning Phase = "RUNNING"
	PhaseDone    Phase = "COMPLETED"
)

// RunLog is an append-only byte buffer shared between the supervisor
// goroutine writing it and any reader serving a log request.
type RunLog struct {
	mu       sync.Mutex
	buf      []byte
	complete bool
}

// Append adds a chunk to the log. Safe for concurrent use.
func (l *RunLog) Append(p []byte) {
	l.mu.Lock()
	l.buf = append(l.buf, p...)
	l.mu.Unlock()
}

// MarkComplete flags the log as closed; no further Append calls are
// expected after this.
func (l *RunLog) MarkComplete() {
	l.mu.Lock()
	l.complete = true
	l.mu.Unlock()
}

// Snapshot returns the buffered text and whether the run has finished
// writing to it.
func (l *RunLog) Snapshot() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return string(l.buf), l.complete
}

// Run is one invocation of a job.
type Run struct {
	Name  string
	Build int

	QueuedAt    time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Result Result
	Reason string

	Params map[string]string

	ParentName  string
	ParentBuild int

	Context *Context

	PID     int
	Timeout time.Duration

	// LastResult is the most recently completed result for this job
	// at the moment this run started, UNKNOWN if there is none yet.
	LastResult Result

	Log *RunLog

	GUID string

	abortOnce sync.Once
	abortFn   func()
}

// NewRun allocates a freshly-queued Run. build must already have been
// assigned by the caller (internal/engine increments a per-job build
// counter before constructing the Run).
func NewRun(name string, build int, params map[string]string, reason string) *Run {
	return &Run{
		Name:       name,
		Build:      build,
		QueuedAt:   time.Now(),
		Params:     params,
		Reason:     reason,
		Result:     ResultUnknown,
		LastResult: ResultUnknown,
		Log:        &RunLog{},
	}
}

// Phase derives the coarse lifecycle phase from the Run's timestamps,
// matching the RUN-scope status aggregator's rule (§4.6): completed
// wins, then started, then queued.
func (r *Run) Phase() Phase {
	if !r.CompletedAt.IsZero() {
		return PhaseDone
	}
	if !r.StartedAt.IsZero() {
		return PhaseRunning
	}
	return PhaseQueued
}

// SetAbortFunc installs the function Abort() will call exactly once.
// Used by the supervisor to wire in the child-process signal.
func (r *Run) SetAbortFunc(fn func()) {
	r.abortFn = fn
}

// Abort signals the run's child process, if one is attached. It is
// safe to call more than once; only the first call has effect.
func (r *Run) Abort() {
	r.abortOnce.Do(func() {
		if r.abortFn != nil {
			r.abortFn()
		}
	})
}

// Duration reports how long a completed (or still-running) run has
// taken so far.
func (r *Run) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	end := r.CompletedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(r.StartedAt)
}
