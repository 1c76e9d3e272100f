// Package comfytest provides an in-process fake of the image engine's HTTP
// and WebSocket API for tests and the stub test server.
package comfytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Mode selects how the fake engine reacts to a submitted workflow.
type Mode int

const (
	// Complete runs the job and produces Result on the output node.
	Complete Mode = iota
	// Fail emits an execution_error for the job.
	Fail
	// Hang accepts the job and never emits a terminal event.
	Hang
	// Reject answers POST /prompt with a validation error.
	Reject
	// NoOutput completes the job without producing an image.
	NoOutput
)

// Behavior scripts the reaction to the next submissions.
type Behavior struct {
	Mode    Mode
	Delay   time.Duration
	Message string
}

// Submission records one accepted or rejected POST /prompt.
type Submission struct {
	JobID    string
	ClientID string
	Prompt   map[string]json.RawMessage
	At       time.Time
}

// Server is a fake engine.
type Server struct {
	*httptest.Server

	outputNode string
	result     []byte

	mu          sync.Mutex
	behavior    Behavior
	ignoreIDs   bool
	streams     map[string][]*stream
	uploads     map[string][]byte
	history     map[string]map[string]any
	images      map[string][]byte
	submissions []Submission
	terminals   map[string]time.Time
	wg          sync.WaitGroup
}

type stream struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *stream) write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// Options configures a fake engine.
type Options struct {
	// OutputNode is the node id the fake reports images for. Defaults to "9".
	OutputNode string
	// Result is the image returned for completed jobs.
	Result []byte
}

// DefaultResult is returned by completed jobs unless Options.Result is set.
var DefaultResult = []byte("\x89PNG\r\n\x1a\nfake-swap-result")

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// NewServer starts a fake engine. Close it when done.
func NewServer(opts Options) *Server {
	if opts.OutputNode == "" {
		opts.OutputNode = "9"
	}
	if opts.Result == nil {
		opts.Result = DefaultResult
	}
	s := &Server{
		outputNode: opts.OutputNode,
		result:     opts.Result,
		streams:    make(map[string][]*stream),
		uploads:    make(map[string][]byte),
		history:    make(map[string]map[string]any),
		images:     make(map[string][]byte),
		terminals:  make(map[string]time.Time),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /upload/image", s.handleUpload)
	mux.HandleFunc("POST /prompt", s.handlePrompt)
	mux.HandleFunc("GET /history/{id}", s.handleHistory)
	mux.HandleFunc("GET /view", s.handleView)
	s.Server = httptest.NewServer(mux)
	return s
}

// Addr returns the host:port to point a client at.
func (s *Server) Addr() string {
	return strings.TrimPrefix(s.URL, "http://")
}

// Close drops all streams, waits for scripted jobs, and stops the server.
func (s *Server) Close() {
	s.DropStreams()
	s.wg.Wait()
	s.Server.Close()
}

// SetBehavior changes how subsequent submissions are handled.
func (s *Server) SetBehavior(b Behavior) {
	s.mu.Lock()
	s.behavior = b
	s.mu.Unlock()
}

// IgnoreClientJobIDs makes the fake assign its own job ids, like engines
// that do not accept a client-supplied prompt id.
func (s *Server) IgnoreClientJobIDs() {
	s.mu.Lock()
	s.ignoreIDs = true
	s.mu.Unlock()
}

// Submissions returns a copy of all recorded submissions in arrival order.
func (s *Server) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Submission, len(s.submissions))
	copy(out, s.submissions)
	return out
}

// TerminalAt returns when the terminal event for jobID was emitted.
func (s *Server) TerminalAt(jobID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.terminals[jobID]
	return at, ok
}

// Uploads returns the number of uploaded images.
func (s *Server) Uploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// Emit sends a raw message to every stream of clientID.
func (s *Server) Emit(clientID string, msgType string, data map[string]any) {
	s.mu.Lock()
	streams := append([]*stream(nil), s.streams[clientID]...)
	s.mu.Unlock()
	for _, st := range streams {
		_ = st.write(map[string]any{"type": msgType, "data": data})
	}
}

// Complete finishes a hanging job the way a late engine would.
func (s *Server) Complete(clientID, jobID string) {
	s.finish(clientID, jobID, Complete, "")
}

// DropStreams closes all WebSocket connections.
func (s *Server) DropStreams() {
	s.mu.Lock()
	all := s.streams
	s.streams = make(map[string][]*stream)
	s.mu.Unlock()
	for _, list := range all {
		for _, st := range list {
			st.conn.Close()
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	st := &stream{conn: conn}
	s.mu.Lock()
	s.streams[clientID] = append(s.streams[clientID], st)
	s.mu.Unlock()

	_ = st.write(map[string]any{
		"type": "status",
		"data": map[string]any{"status": map[string]any{"exec_info": map[string]any{"queue_remaining": 0}}, "sid": clientID},
	})

	// Drain until the peer goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	f, hdr, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "missing image", http.StatusBadRequest)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		http.Error(w, "read image", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.uploads[hdr.Filename] = data
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"name": hdr.Filename, "subfolder": "", "type": "input"})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt   map[string]json.RawMessage `json:"prompt"`
		ClientID string                     `json:"client_id"`
		PromptID string                     `json:"prompt_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	b := s.behavior
	id := req.PromptID
	if id == "" || s.ignoreIDs {
		id = uuid.NewString()
	}
	s.submissions = append(s.submissions, Submission{JobID: id, ClientID: req.ClientID, Prompt: req.Prompt, At: time.Now()})
	n := len(s.submissions)
	s.mu.Unlock()

	if b.Mode == Reject {
		msg := b.Message
		if msg == "" {
			msg = "Prompt outputs failed validation"
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":       map[string]string{"type": "prompt_outputs_failed_validation", "message": msg, "details": ""},
			"node_errors": map[string]any{s.outputNode: map[string]any{"errors": []any{}}},
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"prompt_id": id, "number": n, "node_errors": map[string]any{}})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(req.ClientID, id, b)
	}()
}

func (s *Server) run(clientID, jobID string, b Behavior) {
	// Let the HTTP response reach the client first, as a real engine would
	// after queueing.
	time.Sleep(5 * time.Millisecond)
	s.Emit(clientID, "execution_start", map[string]any{"prompt_id": jobID})
	s.Emit(clientID, "executing", map[string]any{"node": "2", "prompt_id": jobID})
	s.Emit(clientID, "progress", map[string]any{"value": 1, "max": 2, "node": "2", "prompt_id": jobID})
	if b.Delay > 0 {
		time.Sleep(b.Delay)
	}
	if b.Mode == Hang {
		return
	}
	s.Emit(clientID, "progress", map[string]any{"value": 2, "max": 2, "node": "2", "prompt_id": jobID})
	s.finish(clientID, jobID, b.Mode, b.Message)
}

func (s *Server) finish(clientID, jobID string, mode Mode, message string) {
	if mode == Fail {
		if message == "" {
			message = "no face detected in source image"
		}
		s.mu.Lock()
		s.terminals[jobID] = time.Now()
		s.mu.Unlock()
		s.Emit(clientID, "execution_error", map[string]any{
			"prompt_id":         jobID,
			"node_id":           "2",
			"node_type":         "ReActorFaceSwap",
			"exception_type":    "RuntimeError",
			"exception_message": message,
		})
		return
	}

	outputs := map[string]any{}
	if mode != NoOutput {
		name := fmt.Sprintf("faceswap_%s.png", jobID)
		s.mu.Lock()
		s.images[name] = s.result
		s.mu.Unlock()
		outputs[s.outputNode] = map[string]any{
			"images": []map[string]string{{"filename": name, "subfolder": "", "type": "output"}},
		}
	}
	s.mu.Lock()
	s.history[jobID] = map[string]any{"outputs": outputs, "status": map[string]any{"completed": true}}
	s.terminals[jobID] = time.Now()
	s.mu.Unlock()

	s.Emit(clientID, "executed", map[string]any{"node": s.outputNode, "prompt_id": jobID})
	s.Emit(clientID, "execution_success", map[string]any{"prompt_id": jobID})
	s.Emit(clientID, "executing", map[string]any{"node": nil, "prompt_id": jobID})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	entry, ok := s.history[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{id: entry})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	s.mu.Lock()
	data, ok := s.images[name]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
