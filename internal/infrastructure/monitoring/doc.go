/*
Package monitoring provides the agent's self-metrics.

# Overview

This package implements Prometheus-based metrics for the tracing pipeline
itself: how many traces were opened and sampled, how many spans were recorded
or refused, and how the export queue and transport are behaving.

# Features

- Trace metrics (started, completed, in flight, reaped, root duration)
- Span metrics (recorded by type, dropped by reason)
- Exporter metrics (queue depth, evictions, batch outcomes, batch latency)
- Circuit breaker state
- Gin request metrics labelled by route template
- Private registry per agent

# Usage

	metrics := monitoring.NewMetrics()

	// The trace manager and exporter report through their Observer hooks
	manager := trace.NewManager(trace.WithObserver(metrics))

	// Request metrics for the routes served next to the agent
	router.Use(monitoring.Middleware(metrics))

	// Expose the registry
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
*/
package monitoring
