package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/swapbooth/internal/model"
	"github.com/seantiz/swapbooth/internal/orchestrator"
)

type processFlags struct {
	source   string
	template string
	out      string
}

func newProcessCmd(configFile *string) *cobra.Command {
	var f processFlags
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Swap the face from one image into a template and write the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProcess(cmd.Context(), *configFile, f)
		},
	}
	cmd.Flags().StringVar(&f.source, "source", "", "source face image")
	cmd.Flags().StringVar(&f.template, "template", "", "template image (defaults to default_template)")
	cmd.Flags().StringVarP(&f.out, "out", "o", "result.png", "output file")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func runProcess(ctx context.Context, configFile string, f processFlags) error {
	a, err := newApp(ctx, configFile)
	if err != nil {
		return err
	}
	defer a.Close()

	if f.template == "" {
		f.template = a.cfg.DefaultTemplate
	}
	source, err := os.ReadFile(f.source)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	template, err := os.ReadFile(f.template)
	if err != nil {
		return fmt.Errorf("read template: %w", err)
	}

	res, err := a.orch.Process(ctx, orchestrator.Request{
		Source:     source,
		Template:   template,
		Origin:     model.OriginInteractive,
		SourcePath: f.source,
	})
	if err != nil {
		return fmt.Errorf("job failed (%s): %w", orchestrator.Kind(err), err)
	}

	if err := os.WriteFile(f.out, res.Image, 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	a.logger.Info("result written", "job_id", res.Job.ID, "path", f.out, "duration_ms", *res.Job.DurationMS)
	return nil
}
