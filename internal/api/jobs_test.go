package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/seantiz/swapbooth/internal/model"
	"github.com/seantiz/swapbooth/internal/orchestrator"
)

func TestGetJob(t *testing.T) {
	env := newTestEnv(t, orchestrator.Options{})
	job := createJob(t, env, model.StateFailed)

	resp, err := http.Get(env.ts.URL + "/v1/jobs/" + job.ID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got model.Job
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != job.ID {
		t.Errorf("ID = %q, want %q", got.ID, job.ID)
	}
	if got.State != model.StateFailed {
		t.Errorf("State = %q, want %q", got.State, model.StateFailed)
	}
}

func TestGetJobNotFound(t *testing.T) {
	env := newTestEnv(t, orchestrator.Options{})

	for _, path := range []string{"/v1/jobs/nonexistent", "/v1/jobs/nonexistent/result"} {
		resp, err := http.Get(env.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestGetResultWithoutOutput(t *testing.T) {
	env := newTestEnv(t, orchestrator.Options{})
	job := createJob(t, env, model.StateFailed)

	resp, err := http.Get(env.ts.URL + "/v1/jobs/" + job.ID + "/result")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListJobsPagination(t *testing.T) {
	env := newTestEnv(t, orchestrator.Options{})
	for range 5 {
		createJob(t, env, model.StateQueued)
	}

	tests := []struct {
		query     string
		wantCount int
		wantLimit int
	}{
		{"", 5, defaultListLimit},
		{"?limit=2", 2, 2},
		{"?limit=2&offset=4", 1, 2},
		{"?limit=0", 5, defaultListLimit},
		{fmt.Sprintf("?limit=%d", maxListLimit+1), 5, defaultListLimit},
		{"?offset=-3", 5, defaultListLimit},
	}

	for _, tt := range tests {
		resp, err := http.Get(env.ts.URL + "/v1/jobs" + tt.query)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.query, err)
		}
		var got listJobsResponse
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode %s: %v", tt.query, err)
		}
		resp.Body.Close()

		if got.Total != 5 {
			t.Errorf("%s: total = %d, want 5", tt.query, got.Total)
		}
		if len(got.Jobs) != tt.wantCount {
			t.Errorf("%s: got %d jobs, want %d", tt.query, len(got.Jobs), tt.wantCount)
		}
		if got.Limit != tt.wantLimit {
			t.Errorf("%s: limit = %d, want %d", tt.query, got.Limit, tt.wantLimit)
		}
	}
}

func TestListJobsEmpty(t *testing.T) {
	env := newTestEnv(t, orchestrator.Options{})

	resp, err := http.Get(env.ts.URL + "/v1/jobs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw["jobs"]) != "[]" {
		t.Errorf("jobs = %s, want []", raw["jobs"])
	}
}
