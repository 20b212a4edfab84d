// Package config handles configuration loading for abkit.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The package fills in defaults and validates the result,
// including every experiment definition.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from ABKIT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/abkit/abkit.yaml
//  3. ~/.config/abkit/abkit.yaml
//
// A path ending in .toml is decoded as TOML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${ABKIT_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	analytics:
//	  event_expiry: "168h"
//	  delivery_delay: "250ms"
//
// # Configuration Sections
//
// Storage backend:
//
//	storage:
//	  backend: sqlite        # sqlite, redis or memory
//	  path: "./abkit.db"
//	  namespace: "abkit_"
//	  redis:
//	    addr: "localhost:6379"
//
// Event pipeline and outbound sink:
//
//	analytics:
//	  event_limit: 1000
//	  conversion_limit: 100
//	  delivery_attempts: 3
//	  sink:
//	    type: http           # none, log, http, kafka, amqp or redis
//	    http:
//	      endpoint: "https://app.posthog.com/batch/"
//	      api_key: "${POSTHOG_API_KEY}"
//
// Experiments:
//
//	experiments:
//	  - id: hero-cta
//	    variants: [control, urgency, value]
//	    weights: [0.34, 0.33, 0.33]
//
// # Hot Reload
//
// Watch reloads the file on change. Only valid configurations are delivered;
// the server uses them to replace the experiment registry in place.
package config
