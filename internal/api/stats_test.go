package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/seantiz/swapbooth/internal/orchestrator"
)

func getStats(t *testing.T, env *testEnv) statsResponse {
	t.Helper()
	resp, err := http.Get(env.ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return stats
}

func TestGetStatsEmpty(t *testing.T) {
	env := newTestEnv(t, orchestrator.Options{})

	stats := getStats(t, env)

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
	if stats.Gate.Busy || stats.Gate.Queued != 0 {
		t.Errorf("gate = %+v, want idle", stats.Gate)
	}
	if stats.Gate.QueueBound != orchestrator.DefaultQueueBound {
		t.Errorf("queue_bound = %d, want %d", stats.Gate.QueueBound, orchestrator.DefaultQueueBound)
	}
	if !stats.Engine.Connected {
		t.Error("engine.connected = false, want true")
	}
}

func TestGetStatsPopulated(t *testing.T) {
	env := newTestEnv(t, orchestrator.Options{})

	for range 2 {
		resp := postMultipart(t, env.ts.URL+"/v1/swap",
			map[string][]byte{"source": testSource, "template": testTemplate}, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("swap status = %d, want 200", resp.StatusCode)
		}
	}
	resp := postMultipart(t, env.ts.URL+"/v1/swap", map[string][]byte{"source": testSource}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid swap status = %d, want 400", resp.StatusCode)
	}

	stats := getStats(t, env)

	if stats.Total != 2 {
		t.Errorf("total = %d, want 2", stats.Total)
	}
	if stats.ByState["completed"] != 2 {
		t.Errorf("by_state[completed] = %d, want 2", stats.ByState["completed"])
	}
	if stats.ByOrigin["interactive"] != 2 {
		t.Errorf("by_origin[interactive] = %d, want 2", stats.ByOrigin["interactive"])
	}
}
