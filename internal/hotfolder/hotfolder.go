// Package hotfolder turns image files dropped into a watched directory into
// face-swap jobs.
package hotfolder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/seantiz/swapbooth/internal/model"
	"github.com/seantiz/swapbooth/internal/orchestrator"
	"github.com/seantiz/swapbooth/internal/sink"
)

const (
	DefaultDebounce     = time.Second
	DefaultPollInterval = 2 * time.Second
)

// DefaultExtensions lists the file types ingested when Config.Extensions is empty.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png"}

// errDirGone ends a watch session when the hot folder itself disappears.
var errDirGone = errors.New("hot folder removed")

// Processor runs a job. *orchestrator.Orchestrator satisfies it.
type Processor interface {
	Process(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
}

// Config configures an Ingester.
type Config struct {
	Dir string
	// Debounce is how long a file must go without writes before it is
	// considered complete.
	Debounce time.Duration
	// PollInterval is how often a missing Dir is checked for.
	PollInterval time.Duration
	// DefaultTemplate is the template image every hot-folder job uses.
	DefaultTemplate []byte
	// ArchiveDir receives processed files. Defaults to <Dir>/processed.
	ArchiveDir string
	// DeadLetterDir receives files whose job failed. Defaults to <Dir>/failed.
	DeadLetterDir string
	// Extensions are matched case-insensitively, with the leading dot.
	Extensions []string
}

// Ingester watches a directory and submits stabilized files one at a time.
type Ingester struct {
	cfg    Config
	proc   Processor
	sink   sink.ResultSink
	logger *slog.Logger

	mu      sync.Mutex
	timers  map[string]*debounce
	seq     uint64
	pending []stableFile
	closed  bool
	wake    chan struct{}
}

// debounce is the armed timer for one path. gen identifies the arming so a
// callback from a timer that was since replaced is ignored.
type debounce struct {
	timer *time.Timer
	gen   uint64
}

// stableFile is a path whose writes have settled, with the size and mtime
// it had at that moment.
type stableFile struct {
	path    string
	size    int64
	modTime time.Time
}

// unchanged reports whether path still has the size and mtime f recorded.
func (f stableFile) unchanged() bool {
	info, err := os.Stat(f.path)
	return err == nil && info.Size() == f.size && info.ModTime().Equal(f.modTime)
}

// New creates an ingester. Call Run to start it.
func New(cfg Config, proc Processor, rs sink.ResultSink, logger *slog.Logger) *Ingester {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = filepath.Join(cfg.Dir, "processed")
	}
	if cfg.DeadLetterDir == "" {
		cfg.DeadLetterDir = filepath.Join(cfg.Dir, "failed")
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}
	return &Ingester{
		cfg:    cfg,
		proc:   proc,
		sink:   rs,
		logger: logger.With("component", "hotfolder", "dir", cfg.Dir),
		timers: make(map[string]*debounce),
		wake:   make(chan struct{}, 1),
	}
}

// Run watches the hot folder until ctx is done. A missing folder is waited
// for; if the folder is removed while watched, Run goes back to waiting.
func (i *Ingester) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Go(func() { i.work(ctx) })
	defer func() {
		i.shutdown()
		wg.Wait()
	}()

	for {
		if err := i.waitForDir(ctx); err != nil {
			return nil
		}
		err := i.watch(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errDirGone):
			i.logger.Warn("hot folder removed, waiting for it to reappear")
		case err != nil:
			return err
		}
	}
}

func (i *Ingester) waitForDir(ctx context.Context) error {
	logged := false
	for {
		info, err := os.Stat(i.cfg.Dir)
		if err == nil && info.IsDir() {
			return nil
		}
		if !logged {
			i.logger.Warn("hot folder does not exist yet, polling", "interval", i.cfg.PollInterval)
			logged = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(i.cfg.PollInterval):
		}
	}
}

func (i *Ingester) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(i.cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", i.cfg.Dir, err)
	}
	i.logger.Info("hot folder monitoring started")

	// Files dropped while we were not watching.
	entries, err := os.ReadDir(i.cfg.Dir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", i.cfg.Dir, err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() && i.eligible(e.Name()) {
			i.schedule(filepath.Join(i.cfg.Dir, e.Name()))
		}
	}

	dir := filepath.Clean(i.cfg.Dir)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == dir && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
				return errDirGone
			}
			if !i.eligible(ev.Name) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
				i.schedule(ev.Name)
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				i.cancel(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			i.logger.Warn("watcher error", "error", err)
		}
	}
}

func (i *Ingester) eligible(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range i.cfg.Extensions {
		if ext == strings.ToLower(want) {
			return true
		}
	}
	return false
}

// schedule (re)starts the debounce timer for path.
func (i *Ingester) schedule(path string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	d, ok := i.timers[path]
	if ok {
		d.timer.Stop()
	} else {
		d = &debounce{}
		i.timers[path] = d
	}
	i.seq++
	gen := i.seq
	d.gen = gen
	d.timer = time.AfterFunc(i.cfg.Debounce, func() { i.stabilized(path, gen) })
}

func (i *Ingester) cancel(path string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if d, ok := i.timers[path]; ok {
		d.timer.Stop()
		delete(i.timers, path)
	}
}

// armed reports whether a debounce timer is running for path, meaning it
// was written to after it last stabilized.
func (i *Ingester) armed(path string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.timers[path]
	return ok
}

// stabilized runs when path's debounce timer fires. A timer that was
// replaced by a later write is ignored.
func (i *Ingester) stabilized(path string, gen uint64) {
	i.mu.Lock()
	if d, ok := i.timers[path]; i.closed || !ok || d.gen != gen {
		i.mu.Unlock()
		return
	}
	delete(i.timers, path)
	i.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		filesTotal.WithLabelValues("discarded").Inc()
		i.logger.Debug("file vanished before it stabilized", "path", path)
		return
	}
	// A writer that pauses longer than the debounce still holds the file.
	if openForWriting(path) {
		i.logger.Debug("file still open for writing, waiting", "path", path)
		i.schedule(path)
		return
	}

	i.mu.Lock()
	i.pending = append(i.pending, stableFile{path: path, size: info.Size(), modTime: info.ModTime()})
	i.mu.Unlock()
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

func (i *Ingester) shutdown() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	for path, d := range i.timers {
		d.timer.Stop()
		delete(i.timers, path)
	}
}

// work processes stabilized files in the order they stabilized.
func (i *Ingester) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-i.wake:
		}
		for {
			i.mu.Lock()
			if len(i.pending) == 0 {
				i.mu.Unlock()
				break
			}
			f := i.pending[0]
			i.pending = i.pending[1:]
			i.mu.Unlock()

			if ctx.Err() != nil {
				return
			}
			i.handle(ctx, f)
		}
	}
}

func (i *Ingester) handle(ctx context.Context, f stableFile) {
	path := f.path
	logger := i.logger.With("path", path)

	if i.armed(path) {
		logger.Debug("file written to again after it stabilized, waiting")
		return
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		filesTotal.WithLabelValues("discarded").Inc()
		logger.Debug("file gone before processing")
		return
	}
	if err != nil {
		logger.Error("failed to read hot folder file", "error", err)
		i.deadLetter(ctx, logger, path, "", err)
		return
	}
	if !f.unchanged() {
		logger.Debug("file changed while being read, waiting")
		i.schedule(path)
		return
	}

	logger.Info("processing hot folder image")
	res, err := i.proc.Process(ctx, orchestrator.Request{
		Source:     data,
		Template:   i.cfg.DefaultTemplate,
		Origin:     model.OriginHotFolder,
		SourcePath: path,
	})
	var jobID string
	if res.Job != nil {
		jobID = res.Job.ID
	}

	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; the file stays put and is picked up by the
			// initial scan of the next run.
			logger.Info("hot folder job abandoned on shutdown", "job_id", jobID)
			return
		}
		i.deadLetter(ctx, logger, path, jobID, err)
		return
	}

	// The result came from content that has since been replaced; the
	// final content gets its own job once it settles.
	if !f.unchanged() {
		filesTotal.WithLabelValues("superseded").Inc()
		logger.Warn("file changed while its job ran, result dropped", "job_id", jobID)
		i.schedule(path)
		return
	}

	if err := i.sink.OnJobSuccess(ctx, sink.Success{
		Origin:     model.OriginHotFolder,
		JobID:      jobID,
		Image:      res.Image,
		SourcePath: path,
	}); err != nil {
		logger.Error("result delivery failed", "job_id", jobID, "error", err)
	}

	if dst, err := moveInto(path, i.cfg.ArchiveDir); err != nil {
		logger.Error("failed to archive processed file", "error", err)
	} else {
		logger.Info("hot folder image processed", "job_id", jobID, "archived_to", dst)
	}
	filesTotal.WithLabelValues("processed").Inc()
}

func (i *Ingester) deadLetter(ctx context.Context, logger *slog.Logger, path, jobID string, cause error) {
	filesTotal.WithLabelValues("failed").Inc()
	i.sink.OnJobFailure(ctx, sink.Failure{
		Origin:     model.OriginHotFolder,
		JobID:      jobID,
		Kind:       orchestrator.Kind(cause),
		Err:        cause,
		SourcePath: path,
	})

	dst, err := moveInto(path, i.cfg.DeadLetterDir)
	if err != nil {
		logger.Error("failed to dead-letter file", "job_id", jobID, "error", err, "cause", cause)
		return
	}
	logger.Error("hot folder job failed", "job_id", jobID, "kind", orchestrator.Kind(cause), "error", cause, "moved_to", dst)
}

// moveInto renames path into dir, adding a timestamp when the name is taken.
func moveInto(path, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	base := filepath.Base(path)
	dst := filepath.Join(dir, base)
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(base)
		stem := strings.TrimSuffix(base, ext)
		dst = filepath.Join(dir, fmt.Sprintf("%s-%s%s", stem, time.Now().UTC().Format("20060102T150405.000000000"), ext))
	}
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("move %s: %w", path, err)
	}
	return dst, nil
}
