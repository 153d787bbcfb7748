// Package config handles configuration loading for browser-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Every unset field receives a default, then the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from BROWSER_GATEWAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/browser-gateway/gateway.yaml
//  3. ~/.config/browser-gateway/gateway.yaml
//
// Files ending in .toml are parsed as TOML.
//
// # Environment Variable Expansion
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"         # client WebSocket, health, API
//	  controller_addr: "127.0.0.1:8081" # browser controller connections
//	  admission_rate: 5                 # new clients per second, 0 = unlimited
//	  admission_burst: 10
//
//	capacity:
//	  max_sessions: 10
//	  idle_timeout: "30m"
//	  heartbeat_interval: "20s"
//	  event_gap_timeout: "90s"
//	  sweep_interval: "1m"
//
//	controller:
//	  request_timeout: "30s"
//	  ping_interval: "15s"
//	  pong_timeout: "45s"
//
//	agent:
//	  kind: "direct"   # direct, process
//	  command: ""      # required for process
//	  args: []
//	  env: []
//
//	database:
//	  path: ""         # empty disables session history
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "color"  # color, text, json
//	  file: ""         # rotate into this file instead of stdout
//
// A duration of "0s" disables the corresponding timeout.
package config
