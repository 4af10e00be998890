// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: colored console output
//
// Every gateway component receives a *Logger and derives a Named child
// ("pty", "directory", "session", "ws", ...). Session-scoped lines carry
// zap.String("session_id", ...) so one terminal can be followed across
// components.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Named("pty").Info("spawned", zap.String("session_id", id))
package logging
