// Package comfy is the client for the external node-graph image engine.
// It owns one persistent WebSocket event stream scoped to the process's
// session identifier, submits patched workflows over HTTP, demultiplexes
// per-job lifecycle events from the stream into single-fire waiters, and
// retrieves the produced images.
package comfy
