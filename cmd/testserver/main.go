// testserver starts a swapbooth API server against an in-process fake
// engine, for exercising the kiosk UI without a GPU.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/seantiz/swapbooth/internal/api"
	"github.com/seantiz/swapbooth/internal/comfy"
	"github.com/seantiz/swapbooth/internal/comfy/comfytest"
	"github.com/seantiz/swapbooth/internal/orchestrator"
	"github.com/seantiz/swapbooth/internal/sink"
	"github.com/seantiz/swapbooth/internal/store"
	"github.com/seantiz/swapbooth/internal/workflow"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("SWAPBOOTH_LISTEN_ADDR"); v != "" {
		addr = v
	}
	workflowPath := "internal/workflow/testdata/fswap.json"
	if v := os.Getenv("SWAPBOOTH_WORKFLOW_PATH"); v != "" {
		workflowPath = v
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	fake := comfytest.NewServer(comfytest.Options{})
	defer fake.Close()
	fake.SetBehavior(comfytest.Behavior{Mode: comfytest.Complete, Delay: 500 * time.Millisecond})

	engine := comfy.New(comfy.Config{Addr: fake.Addr()}, logger)
	if err := engine.Connect(ctx); err != nil {
		log.Fatalf("failed to connect to fake engine: %v", err)
	}
	defer engine.Close()

	tmpl, err := workflow.Load(workflowPath, workflow.Designation{
		SourceNode:   "3",
		TemplateNode: "1",
		OutputNode:   "9",
		OverlayNode:  "10",
	})
	if err != nil {
		log.Fatalf("failed to load workflow: %v", err)
	}

	orch := orchestrator.New(engine, tmpl, orchestrator.Options{Store: db}, logger)
	defer orch.Wait()

	tmp, err := os.MkdirTemp("", "swapbooth-testserver-*")
	if err != nil {
		log.Fatalf("failed to create scratch dir: %v", err)
	}
	defer os.RemoveAll(tmp)

	rs := sink.Multi{
		sink.NewDisk(filepath.Join(tmp, "results"), "png", db, logger),
		sink.NewSessionRecord(db, logger),
	}
	srv := api.NewServer(api.Options{
		Addr:       addr,
		AssetDir:   "assets",
		OverlayDir: filepath.Join(tmp, "overlays"),
	}, db, orch, engine, rs, logger)

	logger.Info("testserver: starting", "addr", addr, "fake_engine", fake.Addr())
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
