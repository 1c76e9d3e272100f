package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/swapbooth/internal/model"
	"github.com/seantiz/swapbooth/internal/store"
)

// SessionRecord points an interactive session at its latest job and, when
// the job's result was saved, at the saved file.
type SessionRecord struct {
	store  store.Store
	logger *slog.Logger
}

// NewSessionRecord creates a session record sink.
func NewSessionRecord(st store.Store, logger *slog.Logger) *SessionRecord {
	return &SessionRecord{store: st, logger: logger}
}

// OnJobSuccess updates the session. Jobs without a session are ignored.
func (r *SessionRecord) OnJobSuccess(ctx context.Context, s Success) error {
	if s.SessionID == "" {
		return nil
	}
	sess := &model.Session{ID: s.SessionID, LastJobID: s.JobID, UpdatedAt: time.Now().UTC()}
	if job, err := r.store.GetJob(ctx, s.JobID); err == nil {
		sess.ResultPath = job.OutputPath
	}
	if err := r.store.UpsertSession(ctx, sess); err != nil {
		return fmt.Errorf("record session %s: %w", s.SessionID, err)
	}
	return nil
}

// OnJobFailure records the failed job as the session's latest.
func (r *SessionRecord) OnJobFailure(ctx context.Context, f Failure) {
	if f.SessionID == "" {
		return
	}
	sess := &model.Session{ID: f.SessionID, LastJobID: f.JobID, UpdatedAt: time.Now().UTC()}
	if err := r.store.UpsertSession(ctx, sess); err != nil {
		r.logger.Error("failed to record session", "session_id", f.SessionID, "error", err)
	}
}
