package comfy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/swapbooth/internal/model"
)

// Stream message types sent by the engine.
const (
	MsgStatus               = "status"
	MsgExecutionStart       = "execution_start"
	MsgExecutionCached      = "execution_cached"
	MsgExecuting            = "executing"
	MsgProgress             = "progress"
	MsgExecuted             = "executed"
	MsgExecutionSuccess     = "execution_success"
	MsgExecutionError       = "execution_error"
	MsgExecutionInterrupted = "execution_interrupted"
)

// ImageRef identifies an image stored by the engine.
type ImageRef struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// String returns the reference in the form the engine's image loader nodes accept.
func (r ImageRef) String() string {
	if r.Subfolder == "" {
		return r.Name
	}
	return r.Subfolder + "/" + r.Name
}

// Event is a per-job progress notification decoded from the stream.
type Event struct {
	Type  string    `json:"type"`
	JobID string    `json:"job_id"`
	Node  string    `json:"node,omitempty"`
	Value int       `json:"value,omitempty"`
	Max   int       `json:"max,omitempty"`
	At    time.Time `json:"at"`
}

// TerminalEvent ends a job's lifecycle.
type TerminalEvent struct {
	JobID   string         `json:"job_id"`
	State   model.JobState `json:"state"`
	Node    string         `json:"node,omitempty"`
	Message string         `json:"message,omitempty"`
	At      time.Time      `json:"at"`
}

// wireMessage is the envelope of every text frame on the event stream.
type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wireData struct {
	PromptID         string      `json:"prompt_id"`
	Node             *string     `json:"node"`
	NodeID           string      `json:"node_id"`
	Value            int         `json:"value"`
	Max              int         `json:"max"`
	ExceptionType    string      `json:"exception_type"`
	ExceptionMessage string      `json:"exception_message"`
	Status           *wireStatus `json:"status"`
}

type wireStatus struct {
	ExecInfo struct {
		QueueRemaining int `json:"queue_remaining"`
	} `json:"exec_info"`
}

func decodeMessage(raw []byte) (string, wireData, error) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", wireData{}, fmt.Errorf("decode stream message: %w", err)
	}
	var data wireData
	if len(msg.Data) > 0 && string(msg.Data) != "null" {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return msg.Type, wireData{}, fmt.Errorf("decode %s payload: %w", msg.Type, err)
		}
	}
	return msg.Type, data, nil
}

// promptRequest is the body of POST /prompt.
type promptRequest struct {
	Prompt   json.Marshaler `json:"prompt"`
	ClientID string         `json:"client_id"`
	PromptID string         `json:"prompt_id,omitempty"`
}

// promptResponse covers both the accepted and rejected shapes of POST /prompt.
type promptResponse struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	Error      json.RawMessage            `json:"error"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

// rejection renders the engine's error payload as a single message.
func (r promptResponse) rejection() string {
	var parts []string
	if len(r.Error) > 0 && string(r.Error) != "null" {
		var detail struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			Details string `json:"details"`
		}
		if err := json.Unmarshal(r.Error, &detail); err == nil && detail.Message != "" {
			msg := detail.Message
			if detail.Details != "" {
				msg += ": " + detail.Details
			}
			parts = append(parts, msg)
		} else {
			parts = append(parts, strings.Trim(string(r.Error), `"`))
		}
	}
	for node := range r.NodeErrors {
		parts = append(parts, fmt.Sprintf("node %s invalid", node))
	}
	return strings.Join(parts, "; ")
}

// historyEntry is one job's record in GET /history/{id}.
type historyEntry struct {
	Outputs map[string]struct {
		Images []ImageRef `json:"images"`
	} `json:"outputs"`
}

// UnmarshalJSON accepts both the upload response ("name") and the history
// ("filename") shapes.
func (r *ImageRef) UnmarshalJSON(b []byte) error {
	var aux struct {
		Name      string `json:"name"`
		Filename  string `json:"filename"`
		Subfolder string `json:"subfolder"`
		Type      string `json:"type"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	r.Name = aux.Name
	if r.Name == "" {
		r.Name = aux.Filename
	}
	r.Subfolder = aux.Subfolder
	r.Type = aux.Type
	return nil
}
