package comfy

import "errors"

// Engine error taxonomy. Errors returned by Client wrap exactly one of these.
var (
	// ErrConnection means the event stream could not be established or was lost.
	ErrConnection = errors.New("engine connection error")
	// ErrSubmission means the engine rejected an upload or a workflow graph.
	ErrSubmission = errors.New("engine submission error")
	// ErrTimeout means no terminal event arrived in time. The engine-side
	// fate of the job is unknown.
	ErrTimeout = errors.New("engine timeout")
	// ErrRetrieval means the job finished but its output could not be fetched.
	ErrRetrieval = errors.New("engine retrieval error")
	// ErrExecution means the engine reported an execution failure for the job.
	ErrExecution = errors.New("engine execution error")
	// ErrUnknownJob means no pending waiter exists for the job id.
	ErrUnknownJob = errors.New("unknown engine job")
)
