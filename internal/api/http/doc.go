// Package http provides the REST surface of the terminal gateway.
//
// Endpoints:
//   - Health: / and /health
//   - Sessions: POST /sessions, GET /sessions, GET /sessions/:id,
//     POST /sessions/:id/resize, DELETE /sessions/:id
//   - Stats: /stats
//
// Live terminal traffic goes over /ws/:sessionId, served by package ws.
//
// Example Usage:
//
//	handlers := http.NewHandlers(svc, publicURL, http.NewHandlerMetrics(metrics), logger)
//	router.POST("/sessions", handlers.CreateSession)
//	router.GET("/sessions/:id", handlers.GetSession)
package http
