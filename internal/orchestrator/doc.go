// Package orchestrator runs face-swap jobs against the single-consumer image
// engine. Interactive and hot-folder producers share one FIFO gate: at most
// one job is inside the engine at a time, a bounded number wait in arrival
// order, and the rest are rejected immediately.
package orchestrator
