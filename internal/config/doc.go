// Package config provides centralized configuration management for the
// printhub server. It handles loading configuration from multiple sources,
// validation, and a type-safe API for accessing configuration values.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. YAML configuration file
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern PRINTHUB_* for namespacing:
//
//	PRINTHUB_SERVER_PORT=7125
//	PRINTHUB_AUTH_API_KEY=...
//	PRINTHUB_LOGGING_LEVEL=debug
//	PRINTHUB_MQTT_ENABLED=true
//
// # Fixed Limits
//
// Two limits are not configurable per request: MaxBodySize (50 MiB) caps
// buffered dynamic API bodies, and the multipart upload ceiling defaults to
// 1024 MiB via server.max_upload_size_mb.
package config
