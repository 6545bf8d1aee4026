// Package config handles configuration loading for the hexalink controller.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from HEXALINK_CONFIG environment variable
//  2. ~/.config/hexalink/controller.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${HEXALINK_DB_PATH}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  step_timeout: "90s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # websocket sessions and REST API
//
// Database:
//
//	database:
//	  path: "/var/lib/hexalink/controller.db"
//
// Agent execution policy:
//
//	agents:
//	  step_timeout: "5m"       # per-step deadline; a timeout counts as failure
//	  single_flight: "queue"   # queue | reject for overlapping bundles
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
