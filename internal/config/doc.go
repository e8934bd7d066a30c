// Package config handles configuration loading for reciprocity-gateway.
//
// # Configuration File
//
// Default location (first match wins):
//
//  1. Path from the RECIPROCITY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/reciprocity/gateway.yaml
//  3. ~/.config/reciprocity/gateway.yaml
//
// Files ending in .toml are read as TOML; everything else as YAML. A .env
// file next to the config (or in the working directory) is loaded first.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${RECIPROCITY_JWT_SECRET}"
//
// # Secret References
//
// Secret values may name an AWS SSM parameter instead of holding the value:
//
//	matrix:
//	  access_token: "ssm:/reciprocity/prod/matrix-token"
//
// References are resolved with ResolveSecrets after Load.
//
// # Durations
//
// Durations use time.ParseDuration syntax ("90s", "15m", "24h").
//
// # Sections
//
//	server:        http_addr, grpc_addr
//	tailscale:     enabled, hostname, auth_key, state_dir, ephemeral
//	database:      backend (sqlite|dynamodb), driver (sqlite|sqlite3), path, dynamodb.{table,region,endpoint}
//	auth:          jwt_secret
//	matrix:        enabled, homeserver, user_id, access_token, allowed_rooms, auto_join
//	automation:    backend (http|simulated), base_url, token, workers, max_attempts,
//	               call_timeout, min_interval, backoff_base, backoff_max, simulated.*
//	exchange:      ttl, pending_ttl, action_type, sweep_interval
//	conversation:  reconcile_interval, offer_list_limit
//	supervisor:    interval, check_timeout, alert_cooldown
//	kafka:         enabled, brokers, topic
//	shutdown:      grace
//	aws:           region
//	logging:       level (debug|info|warn|error), format (text|json)
package config
