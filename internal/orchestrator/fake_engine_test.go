package orchestrator_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/swapbooth/internal/comfy"
	"github.com/seantiz/swapbooth/internal/model"
	"github.com/seantiz/swapbooth/internal/workflow"
)

// fakeEngine is a scripted in-memory engine. Each job's completion can be
// held open with hold and released with releaseAll.
type fakeEngine struct {
	mu          sync.Mutex
	connected   bool
	connects    int
	connectErr  error
	uploadErr   error
	blockUpload bool
	submitErr   error
	awaitErr    error
	fetchErr    error
	output      []byte

	hold    bool
	release chan struct{}

	active    int
	maxActive int
	nextID    int
	submitted []submission
}

type submission struct {
	engineID string
	jobID    string
	prompt   *workflow.Template
	at       time.Time
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		connected: true,
		output:    []byte("swapped"),
		release:   make(chan struct{}),
	}
}

func (f *fakeEngine) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeEngine) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeEngine) UploadImage(ctx context.Context, name string, _ []byte) (comfy.ImageRef, error) {
	f.mu.Lock()
	err, block := f.uploadErr, f.blockUpload
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return comfy.ImageRef{}, fmt.Errorf("%w: upload %s: %v", comfy.ErrSubmission, name, ctx.Err())
	}
	if err != nil {
		return comfy.ImageRef{}, err
	}
	return comfy.ImageRef{Name: name, Type: "input"}, nil
}

func (f *fakeEngine) Submit(_ context.Context, prompt json.Marshaler, _ ...comfy.SubmitOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.nextID++
	id := fmt.Sprintf("engine-%d", f.nextID)

	tmpl := prompt.(*workflow.Template)
	src, _ := tmpl.ImageInput("3")
	// Upload names are swapbooth_<job id>_source.<ext>.
	jobID := strings.TrimSuffix(strings.TrimPrefix(src, "swapbooth_"), "_source.jpg")
	f.submitted = append(f.submitted, submission{engineID: id, jobID: jobID, prompt: tmpl, at: time.Now()})
	return id, nil
}

func (f *fakeEngine) AwaitCompletion(ctx context.Context, jobID string, _ time.Duration) (comfy.TerminalEvent, error) {
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	f.mu.Lock()
	hold, release, awaitErr := f.hold, f.release, f.awaitErr
	f.mu.Unlock()

	if hold {
		select {
		case <-release:
		case <-ctx.Done():
			return comfy.TerminalEvent{JobID: jobID, State: model.StateTimedOut},
				fmt.Errorf("%w: job %s: %v", comfy.ErrTimeout, jobID, ctx.Err())
		}
	}
	if awaitErr != nil {
		return comfy.TerminalEvent{JobID: jobID, State: model.StateFailed}, awaitErr
	}
	return comfy.TerminalEvent{JobID: jobID, State: model.StateCompleted, At: time.Now()}, nil
}

func (f *fakeEngine) FetchOutput(context.Context, string, string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.output, nil
}

func (f *fakeEngine) releaseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.release)
	f.hold = false
}

func (f *fakeEngine) submissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submitted...)
}

func (f *fakeEngine) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

func (f *fakeEngine) setHold(hold bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = hold
}
