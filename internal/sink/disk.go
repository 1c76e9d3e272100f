package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/seantiz/swapbooth/internal/store"
)

// Disk saves results as <n>.<format> in Dir, where n is one more than the
// highest number already present.
type Disk struct {
	dir    string
	format string
	store  store.Store
	logger *slog.Logger

	mu sync.Mutex
}

// NewDisk creates a disk sink. format is the file extension without the dot.
// st is optional; when set, the saved path is recorded on the job.
func NewDisk(dir, format string, st store.Store, logger *slog.Logger) *Disk {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	if format == "" {
		format = "png"
	}
	return &Disk{dir: dir, format: format, store: st, logger: logger}
}

// OnJobSuccess writes the image to the next free number.
func (d *Disk) OnJobSuccess(ctx context.Context, s Success) error {
	path, err := d.Save(s.Image)
	if err != nil {
		return err
	}
	d.logger.Info("result saved", "job_id", s.JobID, "origin", s.Origin, "path", path)

	if d.store != nil {
		if err := d.store.SetOutputPath(ctx, s.JobID, path); err != nil && !errors.Is(err, store.ErrNotFound) {
			d.logger.Error("failed to record output path", "job_id", s.JobID, "error", err)
		}
	}
	return nil
}

// OnJobFailure is a no-op; failed jobs have nothing to save.
func (d *Disk) OnJobFailure(context.Context, Failure) {}

// Save writes data under the next number and returns the path.
func (d *Disk) Save(data []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("create save dir: %w", err)
	}

	n, err := nextNumber(d.dir, d.format)
	if err != nil {
		return "", err
	}

	// O_EXCL guards against another process writing the same number.
	for {
		path := filepath.Join(d.dir, strconv.Itoa(n)+"."+d.format)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			n++
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", path, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close %s: %w", path, err)
		}
		return path, nil
	}
}

// nextNumber returns max(n)+1 over files named <n>.<format>, or 1.
func nextNumber(dir, format string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("list save dir: %w", err)
	}
	re := regexp.MustCompile(`^(\d+)\.` + regexp.QuoteMeta(format) + `$`)
	highest := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := re.FindStringSubmatch(strings.ToLower(e.Name()))
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		highest = max(highest, n)
	}
	return highest + 1, nil
}
