package model

import "time"

// JobState is the lifecycle state of a face-swap job as observed from the
// engine's event stream.
type JobState string

// Job state constants.
const (
	StateQueued    JobState = "queued"
	StateExecuting JobState = "executing"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateTimedOut  JobState = "timed_out"
)

// Terminal reports whether no further transitions are possible from s.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// Origin identifies which producer created a job.
type Origin string

// Origin constants.
const (
	OriginInteractive Origin = "interactive"
	OriginHotFolder   Origin = "hotfolder"
)

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	return o == OriginInteractive || o == OriginHotFolder
}

// validTransitions maps each state to the set of states it may transition to.
var validTransitions = map[JobState]map[JobState]bool{
	StateQueued: {
		StateExecuting: true,
		StateFailed:    true,
		StateTimedOut:  true,
	},
	StateExecuting: {
		StateCompleted: true,
		StateFailed:    true,
		StateTimedOut:  true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to JobState) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Job is a single face-swap request. The source and template bytes are held
// only in memory for the lifetime of the request and are never persisted.
type Job struct {
	ID          string     `json:"id"`
	EngineJobID string     `json:"engine_job_id,omitempty"`
	Origin      Origin     `json:"origin"`
	State       JobState   `json:"state"`
	SessionID   string     `json:"session_id,omitempty"`
	SourcePath  string     `json:"source_path,omitempty"`
	OutputPath  string     `json:"output_path,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	SourceBytes   []byte `json:"-"`
	TemplateBytes []byte `json:"-"`
}

// Session is the kiosk-side record an interactive job is correlated with.
// Personal details are owned by an external user store; only the session
// identifier and its latest result are tracked here.
type Session struct {
	ID         string    `json:"id"`
	LastJobID  string    `json:"last_job_id,omitempty"`
	ResultPath string    `json:"result_path,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}
