package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/seantiz/swapbooth/internal/model"
	"github.com/seantiz/swapbooth/internal/orchestrator"
	"github.com/seantiz/swapbooth/internal/sink"
)

const (
	maxUploadSize = 32 << 20 // 32 MB across all parts
	maxFormMemory = 8 << 20
)

// swapResponse is the JSON response for POST /v1/swap. Image is base64
// encoded by encoding/json.
type swapResponse struct {
	Job      *model.Job `json:"job"`
	Image    []byte     `json:"image"`
	MIMEType string     `json:"mime_type"`
}

// asyncSwapResponse is the JSON response for POST /v1/swap/async.
type asyncSwapResponse struct {
	Job         *model.Job `json:"job"`
	ProgressURL string     `json:"progress_url"`
	ResultURL   string     `json:"result_url"`
}

// handleSwap runs a face swap and answers with the result image. The
// request blocks while the job waits for and holds the engine.
func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	req, err := s.readSwapRequest(w, r)
	if err != nil {
		recordSwap(swapModeSync, err)
		s.writeJobError(w, "", err)
		return
	}

	// Queue wait plus job time can exceed the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("clear write deadline for swap", "error", err)
	}

	res, err := s.orch.Process(r.Context(), req)
	s.deliver(context.WithoutCancel(r.Context()), req, res, err)
	recordSwap(swapModeSync, err)
	if err != nil {
		if r.Context().Err() != nil {
			return // Client went away; the job finishes without it.
		}
		jobID := ""
		if res.Job != nil {
			jobID = res.Job.ID
		}
		s.writeJobError(w, jobID, err)
		return
	}

	job := res.Job
	if saved, err := s.store.GetJob(r.Context(), job.ID); err == nil {
		job = saved
	}
	s.writeJSON(w, http.StatusOK, swapResponse{
		Job:      job,
		Image:    res.Image,
		MIMEType: http.DetectContentType(res.Image),
	})
}

// handleAsyncSwap queues a face swap and answers once the job is recorded.
// Progress and the result are then available under /v1/jobs/{id}.
func (s *Server) handleAsyncSwap(w http.ResponseWriter, r *http.Request) {
	req, err := s.readSwapRequest(w, r)
	if err != nil {
		recordSwap(swapModeAsync, err)
		s.writeJobError(w, "", err)
		return
	}
	req.JobID = model.NewID()

	// The first event follows the job record. It is queued once the gate
	// has taken the job, or finished when the job was refused.
	progress, unsub := s.orch.Broker().Subscribe(req.JobID)
	defer unsub()

	processed := make(chan error, 1)
	s.jobs.Go(func() {
		res, err := s.orch.Process(context.Background(), req)
		s.deliver(context.Background(), req, res, err)
		processed <- err
	})

	var refused error
	select {
	case p, ok := <-progress:
		if !ok || p.Stage == orchestrator.StageFinished {
			refused = <-processed
		}
	case refused = <-processed:
	}
	if errors.Is(refused, orchestrator.ErrInvalidRequest) || errors.Is(refused, orchestrator.ErrBackendUnavailable) {
		recordSwap(swapModeAsync, refused)
		s.writeJobError(w, req.JobID, refused)
		return
	}
	recordSwap(swapModeAsync, nil)

	job, err := s.store.GetJob(r.Context(), req.JobID)
	if err != nil {
		job = &model.Job{ID: req.JobID, Origin: req.Origin, State: model.StateQueued, SessionID: req.SessionID}
	}
	s.writeJSON(w, http.StatusAccepted, asyncSwapResponse{
		Job:         job,
		ProgressURL: "/v1/jobs/" + req.JobID + "/progress",
		ResultURL:   "/v1/jobs/" + req.JobID + "/result",
	})
}

// deliver hands a finished job to the result sinks. Jobs that never
// produced a record, such as those whose caller detached, are skipped.
func (s *Server) deliver(ctx context.Context, req orchestrator.Request, res orchestrator.Result, err error) {
	if res.Job == nil {
		return
	}
	if err != nil {
		s.sink.OnJobFailure(ctx, sink.Failure{
			Origin:    req.Origin,
			JobID:     res.Job.ID,
			Kind:      orchestrator.Kind(err),
			Err:       err,
			SessionID: req.SessionID,
		})
		return
	}
	if err := s.sink.OnJobSuccess(ctx, sink.Success{
		Origin:    req.Origin,
		JobID:     res.Job.ID,
		Image:     res.Image,
		SessionID: req.SessionID,
	}); err != nil {
		s.logger.Error("deliver result", "job_id", res.Job.ID, "error", err)
	}
}

// readSwapRequest parses a multipart swap request. The template is either
// uploaded as the "template" part or named by "template_path" relative to
// the asset directory.
func (s *Server) readSwapRequest(w http.ResponseWriter, r *http.Request) (orchestrator.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		return orchestrator.Request{}, fmt.Errorf("%w: parse multipart form: %v", orchestrator.ErrInvalidRequest, err)
	}

	source, err := readFormFile(r, "source")
	if err != nil {
		return orchestrator.Request{}, err
	}

	var template []byte
	if path := r.FormValue("template_path"); path != "" {
		template, err = s.readAsset(path)
		if err != nil {
			return orchestrator.Request{}, fmt.Errorf("%w: template %q: %v", orchestrator.ErrInvalidRequest, path, err)
		}
	} else {
		template, err = readFormFile(r, "template")
		if err != nil {
			return orchestrator.Request{}, err
		}
	}

	return orchestrator.Request{
		Source:    source,
		Template:  template,
		Origin:    model.OriginInteractive,
		SessionID: r.FormValue("session_id"),
	}, nil
}

func readFormFile(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, fmt.Errorf("%w: %s image is required", orchestrator.ErrInvalidRequest, field)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", orchestrator.ErrInvalidRequest, field, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", orchestrator.ErrInvalidRequest, field, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s image is empty", orchestrator.ErrInvalidRequest, field)
	}
	uploadBytes.WithLabelValues(field).Observe(float64(len(data)))
	return data, nil
}
