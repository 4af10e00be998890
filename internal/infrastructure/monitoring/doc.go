/*
Package monitoring provides Prometheus metrics for the gateway.

# Overview

Collectors are registered on an injected prometheus.Registerer so several
gateways (or tests) can live in one process. A nil *Metrics is accepted
everywhere and records nothing.

# Tracked

- HTTP requests (count, latency) by route template
- Live sessions, spawns by creation path, spawn failures, rejections
- Directory write failures and sweeper actions
- WebSocket connections, messages by direction/type, slow consumers
- AI chat requests and stream duration by provider

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	timer := monitoring.NewTimer(metrics, "directory", "save")
	err := store.Save(ctx, sess)
	timer.StopErr(err)
*/
package monitoring
