// Package main is the entry point for the terminal session gateway.
//
// The gateway runs interactive shells in pseudo-terminals and streams them
// to browser clients over WebSocket, with an AI chat side channel on the
// same connection. Session records live in a shared directory so several
// gateway instances can serve one fleet.
//
// Architecture:
//
//	Browser ──ws──▶ Gateway ──pty──▶ /bin/bash
//	                   │
//	                   ├──http──▶ AI completion service
//	                   ├──http──▶ Project service (working dirs)
//	                   └──sql───▶ Session directory
//
// Configuration:
//   - Environment variables (12-factor), see internal/infrastructure/config
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Production mode
//	PROJECTS_URL=http://projects:8080 AI_URL=http://llm:9000 ./server
//
//	# Development mode (console logs, debug level)
//	./server -dev -port 8000
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
