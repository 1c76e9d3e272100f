package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/seantiz/swapbooth/internal/comfy"
	"github.com/seantiz/swapbooth/internal/config"
	"github.com/seantiz/swapbooth/internal/model"
	"github.com/seantiz/swapbooth/internal/orchestrator"
	"github.com/seantiz/swapbooth/internal/sink"
	"github.com/seantiz/swapbooth/internal/store"
	"github.com/seantiz/swapbooth/internal/workflow"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	store  *store.SQLiteStore
	engine *comfy.Client
	orch   *orchestrator.Orchestrator
}

func newApp(ctx context.Context, configFile string) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	tmpl, err := workflow.Load(cfg.Workflow.Path, workflow.Designation{
		SourceNode:   cfg.Workflow.SourceNode,
		TemplateNode: cfg.Workflow.TemplateNode,
		OutputNode:   cfg.Workflow.OutputNode,
		OverlayNode:  cfg.Workflow.OverlayNode,
		ImageSlot:    cfg.Workflow.ImageSlot,
	})
	if err != nil {
		return nil, err
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	engine := comfy.New(comfy.Config{Addr: cfg.Engine.Addr, Secure: cfg.Engine.Secure}, logger)
	if err := engine.Connect(ctx); err != nil {
		// Jobs reconnect on demand.
		logger.Warn("engine not reachable at startup", "addr", cfg.Engine.Addr, "error", err)
	}

	orch := orchestrator.New(engine, tmpl, orchestrator.Options{
		QueueBound: cfg.QueueBound,
		JobTimeout: cfg.JobTimeout,
		Store:      db,
	}, logger)

	return &app{cfg: cfg, logger: logger, store: db, engine: engine, orch: orch}, nil
}

// Close waits for admitted jobs and releases the engine stream and database.
func (a *app) Close() {
	a.orch.Wait()
	if err := a.engine.Close(); err != nil {
		a.logger.Warn("close engine stream", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close database", "error", err)
	}
}

// printer returns the configured print command, or nil when printing is
// off.
func (a *app) printer() sink.Printer {
	fields := strings.Fields(a.cfg.Print.Command)
	if len(fields) == 0 {
		return nil
	}
	return sink.CommandPrinter{Name: fields[0], Args: fields[1:]}
}

// sinks builds the result sink chain from config. Disk comes before the
// session record so that the session sees the saved path.
func (a *app) sinks() (sink.ResultSink, error) {
	var multi sink.Multi

	if a.cfg.Save.Enabled {
		multi = append(multi, sink.NewDisk(a.cfg.Save.Dir, a.cfg.Save.Format, a.store, a.logger))
	}

	if printer := a.printer(); printer != nil {
		var p sink.ResultSink = sink.NewPrint(printer, a.logger)
		if a.cfg.Print.HotFolder {
			p = sink.OriginFilter{Sink: p, Origins: []model.Origin{model.OriginHotFolder}}
		}
		multi = append(multi, p)
	}

	if a.cfg.ObjectStore.Endpoint != "" {
		oc := sink.ObjectStoreConfig(a.cfg.ObjectStore)
		client, err := sink.NewMinIOClient(oc)
		if err != nil {
			return nil, fmt.Errorf("object store: %w", err)
		}
		multi = append(multi, sink.NewObjectStore(client, oc.Bucket, a.logger))
	}

	multi = append(multi, sink.NewSessionRecord(a.store, a.logger))
	return multi, nil
}
