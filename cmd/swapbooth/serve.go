package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/swapbooth/internal/api"
	"github.com/seantiz/swapbooth/internal/hotfolder"
)

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when enabled, the hot folder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configFile)
		},
	}
}

func runServe(ctx context.Context, configFile string) error {
	a, err := newApp(ctx, configFile)
	if err != nil {
		return err
	}
	defer a.Close()

	rs, err := a.sinks()
	if err != nil {
		return err
	}

	a.logger.Info("swapbooth: starting",
		"listen_addr", a.cfg.ListenAddr,
		"db_path", a.cfg.DBPath,
		"engine_addr", a.cfg.Engine.Addr,
		"workflow", a.cfg.Workflow.Path,
		"hot_folder", a.cfg.HotFolder.Enabled,
	)

	var ing *hotfolder.Ingester
	if a.cfg.HotFolder.Enabled {
		tpl, err := os.ReadFile(a.cfg.DefaultTemplate)
		if err != nil {
			return fmt.Errorf("read default template: %w", err)
		}
		ing = hotfolder.New(hotfolder.Config{
			Dir:             a.cfg.HotFolder.Path,
			Debounce:        a.cfg.HotFolder.Debounce,
			PollInterval:    a.cfg.HotFolder.PollInterval,
			DefaultTemplate: tpl,
		}, a.orch, rs, a.logger)
	}

	srv := api.NewServer(api.Options{
		Addr:        a.cfg.ListenAddr,
		CORSOrigins: a.cfg.CORSOrigins,
		AssetDir:    a.cfg.AssetDir,
		OverlayDir:  a.cfg.OverlayDir,
		Printer:     a.printer(),
	}, a.store, a.orch, a.engine, rs, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if ing != nil {
		g.Go(func() error { return ing.Run(gctx) })
	}

	return g.Wait()
}
