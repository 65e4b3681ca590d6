// Package config handles configuration loading for autofilter-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from AUTOFILTER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/autofilter/gateway.yaml
//  3. ~/.config/autofilter/gateway.yaml
//
// Paths ending in .toml are decoded as TOML; anything else as YAML. A .env
// file in the working directory is loaded by the binary before the config is
// read, so its variables are available for expansion.
//
// # Environment Variable Expansion
//
//	matrix:
//	  access_token: "${AUTOFILTER_MATRIX_TOKEN}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	verification:
//	  duration: "24h"
//	delivery:
//	  auto_delete: "5m"      # "0s" disables auto-delete
//	  rate_limit_backoff: "5s"
//
// # Sections
//
//	server:
//	  grpc_addr: "127.0.0.1:50051"   # gRPC health service
//	  http_addr: "127.0.0.1:8080"    # landing page and admin API
//	  public_url: "https://files.example.org"
//
//	database:
//	  path: "/var/lib/autofilter/gateway.db"
//
//	auth:
//	  jwt_secret: "${AUTOFILTER_JWT_SECRET}"   # empty leaves the admin API open
//
//	matrix:
//	  homeserver: "https://matrix.example.org"
//	  user_id: "@files:example.org"
//	  access_token: "${AUTOFILTER_MATRIX_TOKEN}"
//	  command_prefix: "!"
//	  index_rooms: ["!uploads:example.org"]
//	  admins: ["@owner:example.org"]
//
//	verification:
//	  enabled: true
//	  shortlink_host: "shrink.example"
//	  shortlink_api_key: "${SHORTLINK_API}"
//	  membership_channel: "!updates:example.org"
//
//	delivery:
//	  max_results: 10
//	  spell_check: true
//	  link_mode: false
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Per-group overrides of the verification and delivery settings live in the
// database and are edited through the admin API.
package config
