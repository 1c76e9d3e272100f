package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/seantiz/swapbooth/internal/model"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	handshakeTimeout   = 10 * time.Second

	// maxResponseSize bounds JSON responses; image downloads use maxImageSize.
	maxResponseSize = 4 << 20
	maxImageSize    = 64 << 20
)

// Config configures a Client.
type Config struct {
	// Addr is the engine's host:port.
	Addr string
	// ClientID scopes stream events to this process. A random id is
	// generated when empty.
	ClientID string
	// HTTPClient is used for submit, upload, and retrieval calls.
	HTTPClient *http.Client
	// Secure switches to https/wss.
	Secure bool
}

// Client speaks the engine's submission, streaming, and retrieval protocol.
// It is safe for concurrent use.
type Client struct {
	baseURL  string
	wsURL    string
	clientID string
	http     *http.Client
	logger   *slog.Logger
	reg      *registry

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{} // closed when the current stream's reader exits

	queueRemaining atomic.Int64
}

// New creates a client. It does not connect; call Connect.
func New(cfg Config, logger *slog.Logger) *Client {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	httpScheme, wsScheme := "http", "ws"
	if cfg.Secure {
		httpScheme, wsScheme = "https", "wss"
	}
	return &Client{
		baseURL:  httpScheme + "://" + cfg.Addr,
		wsURL:    wsScheme + "://" + cfg.Addr + "/ws?clientId=" + url.QueryEscape(clientID),
		clientID: clientID,
		http:     hc,
		logger:   logger,
		reg:      newRegistry(),
	}
}

// ClientID returns the session identifier events are scoped to.
func (c *Client) ClientID() string {
	return c.clientID
}

// Connect establishes the event stream. It is a no-op when already
// connected and never retries; reconnection is the caller's decision.
// The dial runs without holding the client lock, so Connected and Stats
// answer while a handshake is in progress.
func (c *Client) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnection, c.wsURL, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		// A concurrent Connect won.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	done := make(chan struct{})
	c.conn = conn
	c.done = done
	c.mu.Unlock()

	streamConnected.Set(1)
	c.logger.Info("engine stream connected", "client_id", c.clientID)

	go c.readLoop(conn, done)
	return nil
}

// Connected reports whether the event stream is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close tears down the event stream. Pending waiters fail with ErrConnection.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	return err
}

// currentStream returns the done channel of the live stream.
func (c *Client) currentStream() (<-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, fmt.Errorf("%w: event stream not connected", ErrConnection)
	}
	return c.done, nil
}

// UploadImage stores data in the engine's input folder under name and
// returns the reference workflows should use.
func (c *Client) UploadImage(ctx context.Context, name string, data []byte) (ImageRef, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", name)
	if err != nil {
		return ImageRef{}, fmt.Errorf("build upload form: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return ImageRef{}, fmt.Errorf("build upload form: %w", err)
	}
	if err := mw.WriteField("overwrite", "true"); err != nil {
		return ImageRef{}, fmt.Errorf("build upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return ImageRef{}, fmt.Errorf("build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &body)
	if err != nil {
		return ImageRef{}, fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return ImageRef{}, fmt.Errorf("%w: upload %s: %v", ErrSubmission, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return ImageRef{}, fmt.Errorf("%w: upload %s: status %d: %s", ErrSubmission, name, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var ref ImageRef
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&ref); err != nil {
		return ImageRef{}, fmt.Errorf("%w: decode upload response: %v", ErrSubmission, err)
	}
	if ref.Name == "" {
		return ImageRef{}, fmt.Errorf("%w: upload %s: engine returned no name", ErrSubmission, name)
	}
	return ref, nil
}

// SubmitOption customizes a submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	progress func(Event)
}

// WithProgress registers a callback for the job's progress events. The
// callback runs on the stream reader goroutine and must not block.
func WithProgress(fn func(Event)) SubmitOption {
	return func(o *submitOptions) { o.progress = fn }
}

// Submit enqueues a workflow and returns the engine's job id. The job's
// waiter is registered before the request is sent so that a terminal event
// racing the HTTP response is not lost.
func (c *Client) Submit(ctx context.Context, prompt json.Marshaler, opts ...SubmitOption) (string, error) {
	var so submitOptions
	for _, o := range opts {
		o(&so)
	}

	lost, err := c.currentStream()
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	c.reg.register(id, lost, so.progress)

	jobID, err := c.postPrompt(ctx, prompt, id)
	if err != nil {
		c.reg.remove(id)
		return "", err
	}
	if jobID != id {
		c.reg.rekey(id, jobID)
	}
	return jobID, nil
}

func (c *Client) postPrompt(ctx context.Context, prompt json.Marshaler, id string) (string, error) {
	payload, err := json.Marshal(promptRequest{Prompt: prompt, ClientID: c.clientID, PromptID: id})
	if err != nil {
		return "", fmt.Errorf("%w: encode workflow: %v", ErrSubmission, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: post prompt: %v", ErrSubmission, err)
	}
	defer resp.Body.Close()

	var pr promptResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&pr)

	if resp.StatusCode != http.StatusOK {
		msg := pr.rejection()
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", fmt.Errorf("%w: engine rejected workflow (status %d): %s", ErrSubmission, resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("%w: decode prompt response: %v", ErrSubmission, decodeErr)
	}
	if len(pr.NodeErrors) > 0 {
		return "", fmt.Errorf("%w: engine rejected workflow: %s", ErrSubmission, pr.rejection())
	}
	if pr.PromptID == "" {
		return id, nil
	}
	return pr.PromptID, nil
}

// AwaitCompletion blocks until the job's terminal event arrives, the timeout
// elapses, ctx is done, or the stream is lost. The waiter is removed on
// return; events that arrive afterwards are discarded. On ErrTimeout the
// engine may still be running the job.
func (c *Client) AwaitCompletion(ctx context.Context, jobID string, timeout time.Duration) (TerminalEvent, error) {
	w, ok := c.reg.lookup(jobID)
	if !ok {
		return TerminalEvent{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	defer c.reg.remove(jobID)

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case ev := <-w.done:
		return terminalResult(ev)
	case <-timeoutC:
		return timedOut(jobID), fmt.Errorf("%w: job %s: no terminal event after %s", ErrTimeout, jobID, timeout)
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return timedOut(jobID), fmt.Errorf("%w: job %s: %v", ErrTimeout, jobID, ctx.Err())
		}
		return TerminalEvent{}, ctx.Err()
	case <-w.lost:
		// The reader may have delivered the terminal event just before exiting.
		select {
		case ev := <-w.done:
			return terminalResult(ev)
		default:
		}
		return TerminalEvent{}, fmt.Errorf("%w: event stream closed while awaiting job %s", ErrConnection, jobID)
	}
}

func terminalResult(ev TerminalEvent) (TerminalEvent, error) {
	if ev.State == model.StateFailed {
		return ev, fmt.Errorf("%w: job %s: %s", ErrExecution, ev.JobID, ev.Message)
	}
	return ev, nil
}

func timedOut(jobID string) TerminalEvent {
	return TerminalEvent{JobID: jobID, State: model.StateTimedOut, At: time.Now().UTC()}
}

// JobState returns the last observed state of a pending job.
func (c *Client) JobState(jobID string) (model.JobState, bool) {
	return c.reg.state(jobID)
}

// FetchOutput downloads the first image produced by outputNode for a
// completed job.
func (c *Client) FetchOutput(ctx context.Context, jobID, outputNode string) ([]byte, error) {
	entry, err := c.history(ctx, jobID)
	if err != nil {
		return nil, err
	}

	out, ok := entry.Outputs[outputNode]
	if !ok || len(out.Images) == 0 {
		return nil, fmt.Errorf("%w: job %s: node %s produced no image", ErrRetrieval, jobID, outputNode)
	}

	data, err := c.view(ctx, out.Images[0])
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: job %s: empty image %s", ErrRetrieval, jobID, out.Images[0].Name)
	}
	return data, nil
}

func (c *Client) history(ctx context.Context, jobID string) (historyEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(jobID), nil)
	if err != nil {
		return historyEntry{}, fmt.Errorf("create history request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return historyEntry{}, fmt.Errorf("%w: get history: %v", ErrRetrieval, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return historyEntry{}, fmt.Errorf("%w: job %s not found in history", ErrRetrieval, jobID)
	}
	if resp.StatusCode != http.StatusOK {
		return historyEntry{}, fmt.Errorf("%w: get history: status %d", ErrRetrieval, resp.StatusCode)
	}

	var all map[string]historyEntry
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&all); err != nil {
		return historyEntry{}, fmt.Errorf("%w: decode history: %v", ErrRetrieval, err)
	}
	entry, ok := all[jobID]
	if !ok {
		return historyEntry{}, fmt.Errorf("%w: job %s not found in history", ErrRetrieval, jobID)
	}
	return entry, nil
}

func (c *Client) view(ctx context.Context, img ImageRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", img.Name)
	q.Set("subfolder", img.Subfolder)
	q.Set("type", img.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create view request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: view %s: %v", ErrRetrieval, img.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: view %s: status %d", ErrRetrieval, img.Name, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrRetrieval, img.Name, err)
	}
	return data, nil
}

// Stats is a point-in-time view of the client.
type Stats struct {
	Connected      bool  `json:"connected"`
	PendingJobs    int   `json:"pending_jobs"`
	QueueRemaining int64 `json:"queue_remaining"`
}

// Stats reports stream and registry state.
func (c *Client) Stats() Stats {
	return Stats{
		Connected:      c.Connected(),
		PendingJobs:    c.reg.len(),
		QueueRemaining: c.queueRemaining.Load(),
	}
}
