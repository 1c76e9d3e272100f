package sink_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/swapbooth/internal/model"
	"github.com/seantiz/swapbooth/internal/sink"
	"github.com/seantiz/swapbooth/internal/store"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR-result")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createJob(t *testing.T, s store.Store, id string, origin model.Origin) {
	t.Helper()
	require.NoError(t, s.CreateJob(context.Background(), &model.Job{
		ID:        id,
		Origin:    origin,
		State:     model.StateQueued,
		CreatedAt: time.Now().UTC(),
	}))
}

type recordingSink struct {
	mu        sync.Mutex
	successes []sink.Success
	failures  []sink.Failure
	err       error
}

func (r *recordingSink) OnJobSuccess(_ context.Context, s sink.Success) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, s)
	return r.err
}

func (r *recordingSink) OnJobFailure(_ context.Context, f sink.Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
}

func TestMultiJoinsErrors(t *testing.T) {
	errA := errors.New("disk full")
	errB := errors.New("printer offline")
	a := &recordingSink{err: errA}
	b := &recordingSink{}
	c := &recordingSink{err: errB}
	m := sink.Multi{a, b, c}

	err := m.OnJobSuccess(context.Background(), sink.Success{JobID: "j1"})
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	for _, r := range []*recordingSink{a, b, c} {
		assert.Len(t, r.successes, 1, "a failing sink must not stop the others")
	}

	m.OnJobFailure(context.Background(), sink.Failure{JobID: "j2", Kind: "timeout"})
	for _, r := range []*recordingSink{a, b, c} {
		require.Len(t, r.failures, 1)
		assert.Equal(t, "timeout", r.failures[0].Kind)
	}
}

func TestOriginFilter(t *testing.T) {
	inner := &recordingSink{}
	f := sink.OriginFilter{Sink: inner, Origins: []model.Origin{model.OriginHotFolder}}

	require.NoError(t, f.OnJobSuccess(context.Background(), sink.Success{Origin: model.OriginInteractive}))
	require.NoError(t, f.OnJobSuccess(context.Background(), sink.Success{Origin: model.OriginHotFolder}))
	f.OnJobFailure(context.Background(), sink.Failure{Origin: model.OriginInteractive})

	assert.Len(t, inner.successes, 1)
	assert.Empty(t, inner.failures)
}

func TestDiskNumbering(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"1.png", "3.png", "photo.png", "7.jpg", "12.PNG.bak"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	d := sink.NewDisk(dir, "png", nil, discardLogger())
	path, err := d.Save(pngBytes)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "4.png"), path)

	path, err = d.Save(pngBytes)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "5.png"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}

func TestDiskCreatesDirAndStartsAtOne(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results", "today")
	d := sink.NewDisk(dir, ".JPG", nil, discardLogger())

	path, err := d.Save([]byte("jpeg"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "1.jpg"), path)
}

func TestDiskConcurrentSavesAreUnique(t *testing.T) {
	dir := t.TempDir()
	d := sink.NewDisk(dir, "png", nil, discardLogger())

	var wg sync.WaitGroup
	paths := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := d.Save(pngBytes)
			assert.NoError(t, err)
			paths <- p
		}()
	}
	wg.Wait()
	close(paths)

	seen := map[string]bool{}
	for p := range paths {
		assert.False(t, seen[p], "duplicate path %s", p)
		seen[p] = true
	}
	assert.Len(t, seen, 20)
	assert.FileExists(t, filepath.Join(dir, "20.png"))
}

func TestDiskRecordsOutputPath(t *testing.T) {
	s := newTestStore(t)
	createJob(t, s, "job-1", model.OriginInteractive)
	dir := t.TempDir()
	d := sink.NewDisk(dir, "png", s, discardLogger())

	require.NoError(t, d.OnJobSuccess(context.Background(), sink.Success{JobID: "job-1", Image: pngBytes}))

	job, err := s.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "1.png"), job.OutputPath)
}

type fakePrinter struct {
	mu   sync.Mutex
	jobs [][]byte
	err  error
}

func (p *fakePrinter) Print(_ context.Context, image []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, image)
	return p.err
}

func TestPrintSinkAutoPrintsHotFolderOnly(t *testing.T) {
	p := &fakePrinter{}
	sk := sink.OriginFilter{Sink: sink.NewPrint(p, discardLogger()), Origins: []model.Origin{model.OriginHotFolder}}

	require.NoError(t, sk.OnJobSuccess(context.Background(), sink.Success{Origin: model.OriginInteractive, Image: pngBytes}))
	require.NoError(t, sk.OnJobSuccess(context.Background(), sink.Success{Origin: model.OriginHotFolder, Image: pngBytes}))

	require.Len(t, p.jobs, 1)
	assert.Equal(t, pngBytes, p.jobs[0])
}

func TestPrintSinkReportsPrinterError(t *testing.T) {
	p := &fakePrinter{err: errors.New("out of paper")}
	sk := sink.NewPrint(p, discardLogger())

	err := sk.OnJobSuccess(context.Background(), sink.Success{JobID: "j1", Image: pngBytes})
	assert.ErrorContains(t, err, "out of paper")
}

func TestCommandPrinterSpoolsFile(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "printed.png")
	p := sink.CommandPrinter{Name: "cp", Args: []string{sink.FilePlaceholder, dst}}

	require.NoError(t, p.Print(context.Background(), pngBytes))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}

func TestCommandPrinterAppendsFileWithoutPlaceholder(t *testing.T) {
	dir := t.TempDir()
	p := sink.CommandPrinter{Name: "cp", Args: []string{"-t", dir}}

	require.NoError(t, p.Print(context.Background(), pngBytes))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".png", filepath.Ext(entries[0].Name()))
}

func TestCommandPrinterFailure(t *testing.T) {
	p := sink.CommandPrinter{Name: "false"}
	assert.Error(t, p.Print(context.Background(), pngBytes))

	assert.Error(t, sink.CommandPrinter{}.Print(context.Background(), pngBytes))
}

type fakePutter struct {
	bucket, key string
	body        []byte
	opts        minio.PutObjectOptions
	err         error
}

func (f *fakePutter) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return minio.UploadInfo{}, err
	}
	f.bucket, f.key, f.body, f.opts = bucket, key, buf.Bytes(), opts
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func TestObjectStoreUploadsResult(t *testing.T) {
	put := &fakePutter{}
	sk := sink.NewObjectStore(put, "results", discardLogger())

	err := sk.OnJobSuccess(context.Background(), sink.Success{Origin: model.OriginHotFolder, JobID: "01J0", Image: pngBytes})
	require.NoError(t, err)
	assert.Equal(t, "results", put.bucket)
	assert.Equal(t, "hotfolder/01J0.png", put.key)
	assert.Equal(t, "image/png", put.opts.ContentType)
	assert.Equal(t, pngBytes, put.body)
}

func TestObjectStoreError(t *testing.T) {
	put := &fakePutter{err: errors.New("access denied")}
	sk := sink.NewObjectStore(put, "results", discardLogger())

	err := sk.OnJobSuccess(context.Background(), sink.Success{Origin: model.OriginInteractive, JobID: "j", Image: []byte("jpeg")})
	assert.ErrorContains(t, err, "interactive/j.jpg")
}

func TestObjectStoreConfigValidate(t *testing.T) {
	assert.NoError(t, sink.ObjectStoreConfig{Endpoint: "minio:9000", Bucket: "results"}.Validate())
	assert.Error(t, sink.ObjectStoreConfig{Bucket: "results"}.Validate())
	assert.Error(t, sink.ObjectStoreConfig{Endpoint: "http://minio:9000", Bucket: "results"}.Validate())
	assert.Error(t, sink.ObjectStoreConfig{Endpoint: "minio:9000"}.Validate())

	client, err := sink.NewMinIOClient(sink.ObjectStoreConfig{Endpoint: "localhost:9000", Bucket: "results", AccessKey: "k", SecretKey: "s"})
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestSessionRecordAfterDisk(t *testing.T) {
	s := newTestStore(t)
	createJob(t, s, "job-1", model.OriginInteractive)
	dir := t.TempDir()
	m := sink.Multi{
		sink.NewDisk(dir, "png", s, discardLogger()),
		sink.NewSessionRecord(s, discardLogger()),
	}

	require.NoError(t, m.OnJobSuccess(context.Background(), sink.Success{
		Origin: model.OriginInteractive, JobID: "job-1", SessionID: "kiosk-7", Image: pngBytes,
	}))

	sess, err := s.GetSession(context.Background(), "kiosk-7")
	require.NoError(t, err)
	assert.Equal(t, "job-1", sess.LastJobID)
	assert.Equal(t, filepath.Join(dir, "1.png"), sess.ResultPath)
}

func TestSessionRecordFailureAndNoSession(t *testing.T) {
	s := newTestStore(t)
	rec := sink.NewSessionRecord(s, discardLogger())

	require.NoError(t, rec.OnJobSuccess(context.Background(), sink.Success{JobID: "hf-1", Origin: model.OriginHotFolder}))
	_, err := s.GetSession(context.Background(), "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	rec.OnJobFailure(context.Background(), sink.Failure{JobID: "j9", SessionID: "kiosk-1", Kind: "timeout"})
	sess, err := s.GetSession(context.Background(), "kiosk-1")
	require.NoError(t, err)
	assert.Equal(t, "j9", sess.LastJobID)
	assert.Empty(t, sess.ResultPath)
}
