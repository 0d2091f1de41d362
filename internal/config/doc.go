/*
Package config provides configuration management for replicafed's router
and peer processes with multi-source support.

This package implements a hierarchical configuration system that supports
YAML files, environment variables, and compiled-in defaults. It provides
validation and type safety for both process roles.

# Configuration Architecture

Multi-source configuration hierarchy with precedence:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│           (REPLICAFED_*)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration Files                 │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│        (Compiled-in defaults)               │
	└─────────────────────────────────────────────┘

# Configuration Structure

One file configures both process roles; each process reads the section
for the role it runs plus the shared sections:

  - global: log level/file, health port, data directory
  - router: listen address, initial pool inventory, replication factor
  - peer: backup/primary/router addresses, protocol timers (t_ping,
    t_check, t_timeout), split-brain threshold, family capacity
  - network: request/probe timeouts, retry backoff, circuit breaker
  - monitoring: Prometheus metrics, health checks, structured logging

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("replicafed.yaml"); err != nil {
		log.Fatal(err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

# Example Configuration

	global:
	  log_level: INFO
	  health_port: 8081
	  data_dir: /var/lib/replicafed

	router:
	  listen_addr: 10.0.0.1:7000
	  replication_factor: 3
	  pool:
	    - 10.0.0.11:7100
	    - 10.0.0.12:7100
	    - 10.0.0.13:7100

	peer:
	  backup_addr: 10.0.0.11:7100
	  primary_addr: 10.0.0.11:8100
	  router_addr: 10.0.0.1:7000
	  t_ping: 500ms
	  t_check: 1s
	  t_timeout: 3s

	network:
	  timeouts:
	    request: 2s
	    probe: 1s
*/
package config
