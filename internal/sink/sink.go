// Package sink delivers finished jobs to their destinations: the results
// folder, the printer, object storage, and the kiosk session record.
package sink

import (
	"context"
	"errors"

	"github.com/seantiz/swapbooth/internal/model"
)

// Success describes a completed job.
type Success struct {
	Origin     model.Origin
	JobID      string
	Image      []byte
	SessionID  string
	SourcePath string
}

// Failure describes a job that ended without a result.
type Failure struct {
	Origin     model.Origin
	JobID      string
	Kind       string
	Err        error
	SessionID  string
	SourcePath string
}

// ResultSink receives job outcomes. Implementations must be safe for
// concurrent use; the interactive and hot-folder producers call them from
// different goroutines.
type ResultSink interface {
	OnJobSuccess(ctx context.Context, s Success) error
	OnJobFailure(ctx context.Context, f Failure)
}

// Multi calls each sink in order. Later sinks may rely on side effects of
// earlier ones, e.g. SessionRecord reads the path Disk recorded.
type Multi []ResultSink

// OnJobSuccess delivers s to every sink and joins their errors.
func (m Multi) OnJobSuccess(ctx context.Context, s Success) error {
	var errs []error
	for _, sk := range m {
		if err := sk.OnJobSuccess(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnJobFailure delivers f to every sink.
func (m Multi) OnJobFailure(ctx context.Context, f Failure) {
	for _, sk := range m {
		sk.OnJobFailure(ctx, f)
	}
}

// OriginFilter forwards only outcomes whose origin is listed.
type OriginFilter struct {
	Sink    ResultSink
	Origins []model.Origin
}

func (o OriginFilter) match(origin model.Origin) bool {
	for _, want := range o.Origins {
		if want == origin {
			return true
		}
	}
	return false
}

// OnJobSuccess forwards s when its origin matches.
func (o OriginFilter) OnJobSuccess(ctx context.Context, s Success) error {
	if !o.match(s.Origin) {
		return nil
	}
	return o.Sink.OnJobSuccess(ctx, s)
}

// OnJobFailure forwards f when its origin matches.
func (o OriginFilter) OnJobFailure(ctx context.Context, f Failure) {
	if o.match(f.Origin) {
		o.Sink.OnJobFailure(ctx, f)
	}
}
