package job

import (
	"time"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is recorded but not yet handed to the
	// broker, usually because its not-before instant is in the future.
	StatePending State = "pending"
	// StateScheduled means the job is on a broker queue (or about to be
	// re-enqueued after a retry backoff).
	StateScheduled State = "scheduled"
	// StateRunning means a worker has claimed the job.
	StateRunning State = "running"
	// StateSucceeded means the transform finished and Result is set.
	StateSucceeded State = "succeeded"
	// StateFailed means every attempt failed and Error is set.
	StateFailed State = "failed"
	// StateCancelled means the job was cancelled before it could finish.
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateScheduled, StateRunning, StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// AllStates lists every state in lifecycle order.
var AllStates = []State{StatePending, StateScheduled, StateRunning, StateSucceeded, StateFailed, StateCancelled}

// Kind names the operation a job performs. The set is closed.
type Kind string

// KindProcessImage resizes and re-encodes one image.
const KindProcessImage Kind = "process_image"

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k == KindProcessImage }

// Params are the transform parameters of a ProcessImage job.
type Params struct {
	Width    int  `json:"width"`
	Height   int  `json:"height"`
	Quality  int  `json:"quality"`
	Optimize bool `json:"optimize"`
}

// DefaultParams mirrors the gateway defaults: 800x600 at quality 85.
func DefaultParams() Params {
	return Params{Width: 800, Height: 600, Quality: 85, Optimize: true}
}

// Validate checks p against the maximum permitted dimension.
func (p Params) Validate(maxDimension int) error {
	switch {
	case p.Width <= 0 || p.Height <= 0:
		return imgdispatch.Invalid("resize", "dimensions must be positive, got %dx%d", p.Width, p.Height)
	case maxDimension > 0 && (p.Width > maxDimension || p.Height > maxDimension):
		return imgdispatch.Invalid("resize", "dimensions must not exceed %d, got %dx%d", maxDimension, p.Width, p.Height)
	case p.Quality < 1 || p.Quality > 100:
		return imgdispatch.Invalid("quality", "must be between 1 and 100, got %d", p.Quality)
	}
	return nil
}

// Result describes the artifact produced by a successful attempt.
type Result struct {
	Status      string `json:"status"`
	OriginalRef string `json:"original_path"`
	OutputRef   string `json:"processed_path"`
	Size        int64  `json:"size"`
	Dimensions  [2]int `json:"dimensions"`
	Format      string `json:"format,omitempty"`
}

// Record is the authoritative state of one job.
type Record struct {
	ID              id.JobID    `json:"id"`
	Kind            Kind        `json:"kind"`
	Queue           string      `json:"queue"`
	State           State       `json:"state"`
	InputRef        string      `json:"input_ref"`
	Params          Params      `json:"params"`
	NotBefore       time.Time   `json:"not_before"`
	RetryAt         *time.Time  `json:"retry_at,omitempty"`
	AttemptCount    int         `json:"attempt_count"`
	MaxAttempts     int         `json:"max_attempts"`
	Result          *Result     `json:"result,omitempty"`
	Error           string      `json:"error,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
	WorkerID        id.WorkerID `json:"worker_id,omitempty"`
	CancelRequested bool        `json:"cancel_requested,omitempty"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	HeartbeatAt     *time.Time  `json:"heartbeat_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	Version         int64       `json:"version"`
}

// New builds a pending record. A zero notBefore means "now". Instants are
// kept at microsecond precision, the finest every backend stores.
func New(kind Kind, queue, inputRef string, params Params, maxAttempts int, notBefore, now time.Time) *Record {
	now = now.UTC().Truncate(time.Microsecond)
	notBefore = notBefore.UTC().Truncate(time.Microsecond)
	if notBefore.IsZero() || notBefore.Before(now) {
		notBefore = now
	}
	return &Record{
		ID:          id.NewJobID(),
		Kind:        kind,
		Queue:       queue,
		State:       StatePending,
		InputRef:    inputRef,
		Params:      params,
		NotBefore:   notBefore,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.RetryAt = cloneTime(r.RetryAt)
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	cp.HeartbeatAt = cloneTime(r.HeartbeatAt)
	if r.Result != nil {
		res := *r.Result
		cp.Result = &res
	}
	return &cp
}

// Due reports whether a pending record may be dispatched at now.
func (r *Record) Due(now time.Time) bool {
	return !r.NotBefore.After(now)
}

// IndexTime is the instant stores order and filter ListByState by. For a
// pending job it is the not-before instant; for a scheduled job the later
// of its last update and its retry instant; for a running job its last
// sign of life.
func (r *Record) IndexTime() time.Time {
	switch r.State {
	case StatePending:
		return r.NotBefore
	case StateScheduled:
		return latest(r.UpdatedAt, r.RetryAt)
	case StateRunning:
		return latest(r.UpdatedAt, r.HeartbeatAt)
	default:
		return r.UpdatedAt
	}
}

func latest(t time.Time, other *time.Time) time.Time {
	if other != nil && other.After(t) {
		return *other
	}
	return t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
