// Package cmd implements the mimicmq CLI: read-only inspection of a queue
// store on disk. The engine itself is embedded by test harnesses through the
// service package; the CLI exists for poking at persisted state.
package cmd
