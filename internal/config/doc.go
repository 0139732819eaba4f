// Package config handles configuration loading for parley-hub.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token_secret: "${PARLEY_TOKEN_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  heartbeat_interval: "30s"
//	  offline_after: "90s"
//	  sweep_interval: "30s"
//	  prune_after: "24h"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  name: "parley-hub"
//	  http_addr: "0.0.0.0:8787"  # registry API and agent streams
//
// Database:
//
//	database:
//	  path: "/var/lib/parley/hub.db"
//
// Authentication:
//
//	auth:
//	  enabled: true
//	  token_secret: "${PARLEY_TOKEN_SECRET}"
//
// Logging:
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "color"  # color, text, json
//
// Metrics:
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Usage
//
//	cfg, err := config.Load("/etc/parley/hub.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
