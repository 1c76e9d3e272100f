package hotfolder_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/swapbooth/internal/hotfolder"
	"github.com/seantiz/swapbooth/internal/model"
	"github.com/seantiz/swapbooth/internal/orchestrator"
	"github.com/seantiz/swapbooth/internal/sink"
)

type fakeProcessor struct {
	mu    sync.Mutex
	reqs  []orchestrator.Request
	err   error
	delay time.Duration
}

func (p *fakeProcessor) Process(_ context.Context, req orchestrator.Request) (orchestrator.Result, error) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	job := &model.Job{ID: fmt.Sprintf("job-%d", len(p.reqs)), Origin: req.Origin}
	if p.err != nil {
		return orchestrator.Result{Job: job}, p.err
	}
	return orchestrator.Result{Job: job, Image: []byte("result")}, nil
}

func (p *fakeProcessor) requests() []orchestrator.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]orchestrator.Request(nil), p.reqs...)
}

type recordingSink struct {
	mu        sync.Mutex
	successes []sink.Success
	failures  []sink.Failure
}

func (r *recordingSink) OnJobSuccess(_ context.Context, s sink.Success) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, s)
	return nil
}

func (r *recordingSink) OnJobFailure(_ context.Context, f sink.Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
}

func (r *recordingSink) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.successes), len(r.failures)
}

func startIngester(t *testing.T, cfg hotfolder.Config, proc hotfolder.Processor, rs sink.ResultSink) {
	t.Helper()
	if cfg.Debounce == 0 {
		cfg.Debounce = 50 * time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.DefaultTemplate == nil {
		cfg.DefaultTemplate = []byte("default-template")
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	ing := hotfolder.New(cfg, proc, rs, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	// Give the watcher time to register.
	time.Sleep(50 * time.Millisecond)
}

func TestProcessesDroppedFileAndArchives(t *testing.T) {
	dir := t.TempDir()
	proc := &fakeProcessor{}
	rs := &recordingSink{}
	startIngester(t, hotfolder.Config{Dir: dir}, proc, rs)

	path := filepath.Join(dir, "guest.jpg")
	require.NoError(t, os.WriteFile(path, []byte("face"), 0o644))

	require.Eventually(t, func() bool {
		n, _ := rs.counts()
		return n == 1
	}, 3*time.Second, 10*time.Millisecond)

	reqs := proc.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, model.OriginHotFolder, reqs[0].Origin)
	assert.Equal(t, path, reqs[0].SourcePath)
	assert.Equal(t, []byte("face"), reqs[0].Source)
	assert.Equal(t, []byte("default-template"), reqs[0].Template)

	assert.Equal(t, "job-1", rs.successes[0].JobID)
	assert.Equal(t, []byte("result"), rs.successes[0].Image)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "processed", "guest.jpg"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoFileExists(t, path)
}

func TestDebounceWaitsForWritesToSettle(t *testing.T) {
	dir := t.TempDir()
	proc := &fakeProcessor{}
	rs := &recordingSink{}
	startIngester(t, hotfolder.Config{Dir: dir, Debounce: 150 * time.Millisecond}, proc, rs)

	path := filepath.Join(dir, "slow-copy.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, err := f.Write([]byte("chunk"))
		require.NoError(t, err)
		time.Sleep(40 * time.Millisecond)
	}
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return len(proc.requests()) == 1 }, 3*time.Second, 10*time.Millisecond)
	// No second job for the same file.
	time.Sleep(300 * time.Millisecond)
	reqs := proc.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []byte("chunkchunkchunkchunkchunkchunk"), reqs[0].Source)
}

func TestWriterPausingLongerThanDebounce(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("open-for-write detection needs Linux")
	}
	dir := t.TempDir()
	proc := &fakeProcessor{}
	startIngester(t, hotfolder.Config{Dir: dir, Debounce: 100 * time.Millisecond}, proc, &recordingSink{})

	path := filepath.Join(dir, "paused-copy.jpg")
	f, err := os.Create(path)
	require.NoError(t, err)
	_, err = f.Write([]byte("AAAA"))
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)
	_, err = f.Write([]byte("BBBB"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return len(proc.requests()) == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	reqs := proc.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []byte("AAAABBBB"), reqs[0].Source)
}

func TestFileRewrittenDuringJobIsReprocessed(t *testing.T) {
	dir := t.TempDir()
	proc := &fakeProcessor{delay: 300 * time.Millisecond}
	rs := &recordingSink{}
	startIngester(t, hotfolder.Config{Dir: dir}, proc, rs)

	path := filepath.Join(dir, "retake.jpg")
	require.NoError(t, os.WriteFile(path, []byte("first"), 0o644))
	// Rewrite while the first job is running.
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("second take"), 0o644))

	require.Eventually(t, func() bool {
		n, _ := rs.counts()
		return n == 1
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	n, _ := rs.counts()
	assert.Equal(t, 1, n)
	reqs := proc.requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, []byte("second take"), reqs[len(reqs)-1].Source)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "processed", "retake.jpg"))
		return err == nil && string(data) == "second take"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFailedJobIsDeadLettered(t *testing.T) {
	dir := t.TempDir()
	failed := filepath.Join(t.TempDir(), "dead")
	proc := &fakeProcessor{err: fmt.Errorf("%w: no face detected", orchestrator.ErrExecution)}
	rs := &recordingSink{}
	startIngester(t, hotfolder.Config{Dir: dir, DeadLetterDir: failed}, proc, rs)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "blurry.jpeg"), []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		_, n := rs.counts()
		return n == 1
	}, 3*time.Second, 10*time.Millisecond)

	f := rs.failures[0]
	assert.Equal(t, orchestrator.KindExecution, f.Kind)
	assert.Equal(t, "job-1", f.JobID)
	assert.ErrorIs(t, f.Err, orchestrator.ErrExecution)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(failed, "blurry.jpeg"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	// Never retried.
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, proc.requests(), 1)
}

func TestIgnoresOtherExtensions(t *testing.T) {
	dir := t.TempDir()
	proc := &fakeProcessor{}
	startIngester(t, hotfolder.Config{Dir: dir}, proc, &recordingSink{})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw.CR2"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "UPPER.JPG"), []byte("x"), 0o644))

	require.Eventually(t, func() bool { return len(proc.requests()) == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	reqs := proc.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "UPPER.JPG", filepath.Base(reqs[0].SourcePath))
}

func TestRemovedBeforeStableIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	proc := &fakeProcessor{}
	startIngester(t, hotfolder.Config{Dir: dir, Debounce: 200 * time.Millisecond}, proc, &recordingSink{})

	path := filepath.Join(dir, "oops.jpg")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.Remove(path))

	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, proc.requests())
}

func TestExistingFilesPickedUpAtStart(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "overnight.png"), []byte("x"), 0o644))

	proc := &fakeProcessor{}
	startIngester(t, hotfolder.Config{Dir: dir}, proc, &recordingSink{})

	require.Eventually(t, func() bool { return len(proc.requests()) == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestWaitsForMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "not-yet")
	proc := &fakeProcessor{}
	startIngester(t, hotfolder.Config{Dir: dir}, proc, &recordingSink{})

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, os.Mkdir(dir, 0o755))
	// Let the poller notice the directory and start watching.
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "first.jpg"), []byte("x"), 0o644))

	require.Eventually(t, func() bool { return len(proc.requests()) == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestFilesProcessedOneAtATimeInOrder(t *testing.T) {
	dir := t.TempDir()
	proc := &fakeProcessor{delay: 50 * time.Millisecond}
	startIngester(t, hotfolder.Config{Dir: dir}, proc, &recordingSink{})

	for i := 1; i <= 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d.jpg", i)), []byte("x"), 0o644))
		time.Sleep(80 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(proc.requests()) == 3 }, 3*time.Second, 10*time.Millisecond)
	reqs := proc.requests()
	for i, r := range reqs {
		assert.Equal(t, fmt.Sprintf("%d.jpg", i+1), filepath.Base(r.SourcePath))
	}
}
