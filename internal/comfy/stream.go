package comfy

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/swapbooth/internal/model"
)

// readLoop consumes the event stream until it fails. It never blocks on
// anything but the socket: terminal delivery goes to buffered waiters and
// progress callbacks must be non-blocking.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		conn.Close()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.done = nil
		}
		c.mu.Unlock()
		streamConnected.Set(0)
		close(done)
	}()

	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("engine stream closed", "client_id", c.clientID)
			} else {
				c.logger.Warn("engine stream lost", "client_id", c.clientID, "error", err)
			}
			return
		}
		// Binary frames carry live previews, which the kiosk does not use.
		if mt != websocket.TextMessage {
			continue
		}
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw []byte) {
	typ, data, err := decodeMessage(raw)
	if err != nil {
		c.logger.Debug("skip undecodable stream message", "error", err)
		return
	}
	streamEventsTotal.WithLabelValues(typ).Inc()
	now := time.Now().UTC()

	switch typ {
	case MsgStatus:
		if data.Status != nil {
			n := data.Status.ExecInfo.QueueRemaining
			c.queueRemaining.Store(int64(n))
			engineQueueRemaining.Set(float64(n))
		}

	case MsgExecutionStart:
		progress, ok := c.reg.markExecuting(data.PromptID)
		if !ok {
			streamEventsDiscarded.Inc()
			return
		}
		notify(progress, Event{Type: typ, JobID: data.PromptID, At: now})

	case MsgExecuting:
		if data.Node == nil {
			c.complete(data.PromptID, now)
			return
		}
		c.progress(typ, data, *data.Node, now)

	case MsgProgress, MsgExecuted, MsgExecutionCached:
		node := data.NodeID
		if data.Node != nil {
			node = *data.Node
		}
		c.progress(typ, data, node, now)

	case MsgExecutionSuccess:
		c.complete(data.PromptID, now)

	case MsgExecutionError:
		msg := data.ExceptionMessage
		if data.ExceptionType != "" {
			msg = data.ExceptionType + ": " + msg
		}
		c.fail(data.PromptID, data.NodeID, msg, now)

	case MsgExecutionInterrupted:
		c.fail(data.PromptID, data.NodeID, "execution interrupted", now)
	}
}

func (c *Client) progress(typ string, data wireData, node string, at time.Time) {
	progress, ok := c.reg.progressFor(data.PromptID)
	if !ok {
		streamEventsDiscarded.Inc()
		return
	}
	notify(progress, Event{
		Type:  typ,
		JobID: data.PromptID,
		Node:  node,
		Value: data.Value,
		Max:   data.Max,
		At:    at,
	})
}

func (c *Client) complete(jobID string, at time.Time) {
	if !c.reg.fire(jobID, TerminalEvent{JobID: jobID, State: model.StateCompleted, At: at}) {
		streamEventsDiscarded.Inc()
	}
}

func (c *Client) fail(jobID, node, msg string, at time.Time) {
	ev := TerminalEvent{JobID: jobID, State: model.StateFailed, Node: node, Message: msg, At: at}
	if !c.reg.fire(jobID, ev) {
		streamEventsDiscarded.Inc()
		return
	}
	c.logger.Warn("engine reported job failure", "engine_job_id", jobID, "node", node, "message", msg)
}

func notify(fn func(Event), ev Event) {
	if fn != nil {
		fn(ev)
	}
}
