// Package engine implements the statusflow transition engine: validation of
// requested status changes against per-kind transition tables, the
// synchronous/asynchronous completion decision, long-running operation
// tracking, and side-effect execution.
package engine
