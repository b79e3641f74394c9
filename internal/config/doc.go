// Package config handles configuration loading for weft.
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
//	database:
//	  path: "${WEFT_DB_PATH}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	scheduler:
//	  tick: "1s"
//	propagation:
//	  interval: "10s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Database:
//
//	database:
//	  path: "/var/lib/weft/weft.db"
//
// Scheduler:
//
//	scheduler:
//	  tick: "1s"
//	  workers: 4
//
// Propagation:
//
//	propagation:
//	  interval: "10s"
//	  batch_limit: 100
//	  workers: 4
//
// Supervisor:
//
//	supervisor:
//	  run_timeout: "5m"
//	  failure_threshold: 3
//
// Retention:
//
//	retention:
//	  sweep_interval: "1h"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Auth providers (capability flags only; the integrations live outside
// the core):
//
//	providers:
//	  - "github"
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/weft/weft.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
