// Package config provides configuration management for tunnel.
//
// Configuration is layered: later sources override earlier ones.
//
//  1. Default configuration (GetDefaultConfig)
//  2. User configuration (~/.config/tunnel/config.yaml)
//  3. Project configuration (./.tunnel/config.yaml)
//  4. An explicit file passed with --config
//
// Command-line flags and TUNNEL_* environment variables are applied on top by the
// cmd package.
//
// # Configuration Structure
//
//	kubernetes:
//	  context: "dev-eks"
//	  namespace: "tunnels"
//	aws:
//	  profile: "dev"
//	  region: "eu-central-1"
//	  sources: ["rds", "elasticache"]
//	relay:
//	  image: "alpine/socat:1.8.0.1"
//	  ttl: 8h
//	sessions:
//	  portRangeStart: 15000
//	  portRangeEnd: 15999
//	targets:
//	  - name: "legacy-mysql"
//	    host: "10.20.0.15"
//	    port: 3306
//	    protocol: "mysql"
//
// Scalar values of a later layer replace earlier ones when non-zero. Static targets
// are merged by name. Relay pod labels are merged key by key.
package config
