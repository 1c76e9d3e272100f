package api

import (
	"net/http"
	"os"
	"testing"

	"github.com/seantiz/swapbooth/internal/orchestrator"
	"github.com/seantiz/swapbooth/internal/workflow"
)

var testOverlay = []byte("\x89PNG\r\n\x1a\noverlay-frame")

func TestUploadOverlay(t *testing.T) {
	env := newTestEnv(t, orchestrator.Options{})

	resp := postMultipart(t, env.ts.URL+"/v1/overlay", map[string][]byte{"overlay": testOverlay}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got overlayResponse
	decodeJSON(t, resp, &got)

	if _, err := os.Stat(got.Path); err != nil {
		t.Errorf("overlay not stored locally: %v", err)
	}
	if n := env.fake.Uploads(); n != 1 {
		t.Errorf("engine uploads = %d, want 1", n)
	}

	ref, ok := env.orch.Template().ImageInput("10")
	if !ok {
		t.Fatal("overlay node has no image input")
	}
	if ref != got.Overlay {
		t.Errorf("overlay node image = %q, want %q", ref, got.Overlay)
	}
}

func TestUploadOverlayWithoutOverlayNode(t *testing.T) {
	env := newTestEnv(t, orchestrator.Options{})

	des := testDesignation
	des.OverlayNode = ""
	tmpl, err := workflow.Load("../workflow/testdata/fswap.json", des)
	if err != nil {
		t.Fatalf("workflow.Load: %v", err)
	}
	env.orch.SetTemplate(tmpl)

	resp := postMultipart(t, env.ts.URL+"/v1/overlay", map[string][]byte{"overlay": testOverlay}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestUploadOverlayMissingFile(t *testing.T) {
	env := newTestEnv(t, orchestrator.Options{})

	resp := postMultipart(t, env.ts.URL+"/v1/overlay", nil, map[string]string{"name": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
