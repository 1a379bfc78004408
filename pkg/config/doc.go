// Package config loads the concierge configuration.
//
// Configuration is a YAML file decoded on top of Default. Credentials may be
// supplied through the CONCIERGE_* environment variables instead of the file.
// Every loaded configuration passes two checks: struct validation with
// validator tags, then unification with the #Config CUE definition, which
// bounds numeric ranges and enumerations.
//
//	loader, err := config.NewLoader()
//	cfg, err := loader.Load("concierge.yaml")
//
// # Hot reload
//
// Watcher observes the file with fsnotify and hands every valid new
// configuration to a callback after a short debounce. The running worker
// applies the poll interval and retry policy immediately; endpoints, feed and
// ledger settings take effect on restart.
//
// A minimal file:
//
//	lots:
//	  url: https://lots.registry.example
//	  token: broker
//	  version: "2.4"
//	assets:
//	  url: https://assets.registry.example
//	  token: broker
//	  version: "2.4"
//	feed:
//	  url: http://couchdb:5984
//	  database: lots_db
//	ledger:
//	  driver: sqlite
//	  path: /var/lib/concierge/concierge.db
package config
