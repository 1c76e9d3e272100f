package orchestrator

import (
	"context"
	"errors"

	"github.com/seantiz/swapbooth/internal/comfy"
	"github.com/seantiz/swapbooth/internal/workflow"
)

var (
	// ErrBackendUnavailable means the wait queue is full.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrInvalidRequest means the request is missing images or has an unknown origin.
	ErrInvalidRequest = errors.New("invalid request")
)

// Engine errors surface unchanged so callers can match them with errors.Is.
var (
	ErrConnection = comfy.ErrConnection
	ErrSubmission = comfy.ErrSubmission
	ErrTimeout    = comfy.ErrTimeout
	ErrRetrieval  = comfy.ErrRetrieval
	ErrExecution  = comfy.ErrExecution
)

// Error kinds, as reported by Kind.
const (
	KindUnavailable = "unavailable"
	KindConnection  = "connection"
	KindSubmission  = "submission"
	KindTimeout     = "timeout"
	KindRetrieval   = "retrieval"
	KindExecution   = "execution"
	KindInvalid     = "invalid"
	KindConfig      = "config"
	KindCanceled    = "canceled"
	KindInternal    = "internal"
)

// Kind maps err to a stable short name used in job records, metrics labels,
// and HTTP status selection. It returns "" for a nil error.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBackendUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, ErrSubmission):
		return KindSubmission
	case errors.Is(err, ErrExecution):
		return KindExecution
	case errors.Is(err, ErrRetrieval):
		return KindRetrieval
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalid
	case errors.Is(err, workflow.ErrConfig):
		return KindConfig
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindInternal
	}
}
