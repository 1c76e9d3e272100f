package store

import (
	"context"
	"errors"

	"github.com/seantiz/swapbooth/internal/model"
)

// ErrInvalidTransition is returned when a job state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// JobStats holds aggregate job statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByState  map[string]int `json:"count_by_state"`
	CountByOrigin map[string]int `json:"count_by_origin"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for job history and kiosk sessions.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	UpdateJob(ctx context.Context, j *model.Job) error
	SetOutputPath(ctx context.Context, id, path string) error
	GetJobStats(ctx context.Context) (*JobStats, error)
	UpsertSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	Close() error
}
