// Package log provides structured logging for mimicmq components.
//
// Loggers are constructed once and passed explicitly; components attach
// identity with WithComponent and per-call context with Field attributes:
//
//	logger := log.NewLogger(log.WithLevel(log.InfoLevel))
//	logger = logger.WithComponent("broker")
//	logger.Info("message dead-lettered", log.F("queue", name), log.F("id", id))
//
// The implementation rides on log/slog; text (logfmt-style) output is the
// default, JSON is available via WithJSONFormat.
package log
