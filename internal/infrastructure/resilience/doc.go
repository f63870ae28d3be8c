/*
Package resilience provides circuit breaker implementation for graceful degradation.

# Overview

This package implements the circuit breaker pattern used by the trace export
transport. When the collector is unreachable the breaker opens and batches fail
fast instead of tying up the exporter loop in retries.

# Features

- Three-state circuit breaker (Closed, Open, Half-Open)
- Configurable failure thresholds and timeouts
- Automatic state transitions
- Pluggable success predicate (client-side rejections need not trip it)
- State change callbacks for monitoring
- Injectable clock for deterministic tests

# Usage

	// Create a circuit breaker
	breaker := resilience.New("exporter", resilience.Settings{
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to resilience.State) {
			log.Printf("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	// Send a batch through the breaker
	err := breaker.Execute(func() error {
		return transport.Send(ctx, payload)
	})

# States

- Closed: Normal operation, batches are sent
- Open: Collector unavailable, sends fail immediately
- Half-Open: Probing whether the collector recovered

# Pattern

The circuit breaker transitions between states based on success/failure rates:

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
