/*
Package monitoring provides performance monitoring and metrics collection.

# Overview

This package implements Prometheus-based metrics collection for the
warden daemon, tracking syscall dispatch, scheduling, IPC, module
loads, and the HTTP/WebSocket control plane.

# Features

- Syscall metrics (per-name counters and handler latency)
- Scheduler metrics (context switches, preemptions)
- Task lifecycle gauges and trap counters
- IPC delivery counters and blocked-task gauge
- HTTP request metrics (latency, throughput, size)
- WebSocket connection metrics
- System metrics (uptime)

# Usage

	// Create metrics collector
	metrics := monitoring.NewMetrics()

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Record kernel-side metrics
	metrics.RecordSyscall("write", "ok", elapsed)
	metrics.RecordContextSwitch()

A nil *Metrics records nothing, so components can run unmetered.

# Metrics Endpoint

Expose metrics via the standard Prometheus endpoint:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
