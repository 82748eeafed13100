// Package config handles configuration loading for topic-relay.
//
// # Configuration File
//
// Locations (first match wins):
//
//  1. Path from TOPIC_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/topic-relay/config.yaml
//  3. ~/.config/topic-relay/config.yaml
//
// When no file exists at a default location the service runs from defaults and the
// environment alone. Files ending in .toml are decoded as TOML, everything else as YAML.
//
// # Environment
//
// Values can reference environment variables:
//
//	telegram:
//	  bot_token: "${TELEGRAM_TOKEN}"
//
// After decoding, these variables override the file: BOT_TOKEN, OPERATOR_GROUP_ID,
// DB_PATH, LOG_LEVEL, LOG_MESSAGES, REDIS_URL.
//
// # Example
//
//	telegram:
//	  bot_token: "${BOT_TOKEN}"
//	  operator_group_id: -1001234567890
//	  greeting: "Hello! How can we help you?"
//
//	database:
//	  path: "/var/lib/topic-relay/relay.db"
//
//	relay:
//	  log_messages: true
//	  dedupe_ttl: "10m"
//	  dedupe_max_entries: 100000
//	  redis_url: ""            # shared dedupe when several replicas poll
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//
//	auth:
//	  jwt_secret: "${TOPIC_RELAY_JWT_SECRET}"
//
//	tailscale:
//	  enabled: false
//	  hostname: "topic-relay"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
