// Package config loads and validates the engine configuration.
//
// Configuration is an explicit value handed to each component at
// construction; nothing in the engine reads ambient global state. Load
// parses YAML, applies defaults, and validates. Reload re-reads the same
// file so operators can rotate credentials or flip backend enablement
// without rebuilding component wiring.
//
//	cfg, err := config.Load("deployflow.yaml")
//	if err != nil { ... }
//	project := cfg.Project("payments")
//
// Per-project settings cover backend enablement and credentials, proxy
// transport, approver/ops membership, chat targets, and the
// max-concurrent-builds ceiling. Engine-wide settings cover the poll
// interval, poll-count ceiling, and the retention window.
package config
