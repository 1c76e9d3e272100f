// Package workflow loads the engine's API-format node graph, validates the
// node designations the kiosk relies on, and produces per-job patched copies.
// A loaded Template is immutable; every job works on its own clone.
package workflow
