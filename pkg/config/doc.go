// Package config loads the dtoverlay YAML configuration.
//
// A file is decoded over Default, so only the keys that differ need to be
// given, and is then validated against struct tags with validator/v10.
// Unknown keys are errors. Errors come back as Errors, one ValidationError
// per problem, carrying the file, the line when yaml reported one, and the
// dotted yaml path of the field.
//
//	service_name: dtoverlay
//	service_version: "1.0"
//	logging:
//	  level: debug
//	  format: json
//	  output: stderr
//	metrics:
//	  enabled: true
//	  listen_address: 127.0.0.1:9464
//	firmware:
//	  search_paths: [/lib/firmware, /boot/overlays]
//	  max_size: 1048576
//	  remote:
//	    host: fw.example.net
//	    user: deploy
//	    auth: key
//	    private_key: /etc/dtoverlay/id_ed25519
//	tree:
//	  base: /boot/board.dtb
//	registry:
//	  max_instances: 64
//	namespace:
//	  enabled: true
//	  root: /run/dtoverlay/overlays
//	  debounce: 200ms
//	journal:
//	  path: /var/lib/dtoverlay/journal.db
//	policy:
//	  enabled: true
//	  dir: /etc/dtoverlay/policies
package config
