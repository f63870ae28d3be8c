// Package config provides 12-factor configuration for the APM agent.
//
// Configuration is built from defaults, then an optional YAML file named by
// APM_CONFIG_FILE, then environment variables. It is loaded once at agent
// start and never mutated afterwards.
//
// Configuration Sections:
//   - Instrumentation: enabled flag, integration toggles, sampling, reaping
//   - Service: service name/id and the agent id stamped on every trace
//   - Exporter: transport, payload format, batching, retry and shutdown bounds
//   - Logging: log level and output format
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	if cfg.FrameworkEnabled(config.FrameworkGin) {
//		router.Use(agent.GinMiddleware())
//	}
//
// Environment Variables:
//   - INSTRUMENT_GO, APM_FRAMEWORKS, TRACE_SAMPLING_RATE
//   - SERVICE_NAME, SERVICE_ID, AGENT_ID
//   - APM_TRANSPORT, APM_EXPORT_FORMAT, SERVER_URL, APM_API_TOKEN
//   - APM_BATCH_SIZE, APM_BATCH_INTERVAL, APM_QUEUE_SIZE, APM_MAX_RETRIES
//   - KAFKA_BROKERS, KAFKA_TOPIC_TRACES
//   - LOG_LEVEL, LOG_DEV
package config
