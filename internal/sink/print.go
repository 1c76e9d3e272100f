package sink

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
)

// FilePlaceholder in a print command is replaced by the spooled image path.
const FilePlaceholder = "{file}"

// Printer sends an image to a physical printer.
type Printer interface {
	Print(ctx context.Context, image []byte) error
}

// CommandPrinter prints by running an external command such as
// "lp -d kiosk". The image is written to a temporary file whose path
// replaces FilePlaceholder in Args, or is appended when no placeholder
// is present.
type CommandPrinter struct {
	Name string
	Args []string
}

// Print spools image through the configured command.
func (p CommandPrinter) Print(ctx context.Context, image []byte) error {
	if p.Name == "" {
		return fmt.Errorf("print command not configured")
	}

	ext := ".jpg"
	if http.DetectContentType(image) == "image/png" {
		ext = ".png"
	}
	f, err := os.CreateTemp("", "swapbooth-print-*"+ext)
	if err != nil {
		return fmt.Errorf("create spool file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(image); err != nil {
		f.Close()
		return fmt.Errorf("write spool file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close spool file: %w", err)
	}

	args := make([]string, 0, len(p.Args)+1)
	substituted := false
	for _, a := range p.Args {
		if a == FilePlaceholder {
			a = f.Name()
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, f.Name())
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.Name, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %s: %w: %s", p.Name, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// Print is a sink that prints every successful result.
type Print struct {
	printer Printer
	logger  *slog.Logger
}

// NewPrint creates a print sink. Wrap it in an OriginFilter to auto-print
// only some producers' results.
func NewPrint(p Printer, logger *slog.Logger) *Print {
	return &Print{printer: p, logger: logger}
}

// OnJobSuccess prints the result.
func (p *Print) OnJobSuccess(ctx context.Context, s Success) error {
	if err := p.printer.Print(ctx, s.Image); err != nil {
		return fmt.Errorf("print job %s: %w", s.JobID, err)
	}
	p.logger.Info("result printed", "job_id", s.JobID, "origin", s.Origin)
	return nil
}

// OnJobFailure is a no-op.
func (p *Print) OnJobFailure(context.Context, Failure) {}
