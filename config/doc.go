// Package config loads node configuration and parameter files.
//
// A configuration is built from defaults, then each file layer in order
// (JSON or YAML by extension), then NVBUS_* environment variables:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/nvbus/base.yaml")
//	loader.AddLayer("talker.yaml")
//	cfg, err := loader.Load()
//
// A layer only overrides the fields it names. Durations are written as Go
// duration strings ("5s", "250ms").
//
//	node:
//	  name: talker
//	  heartbeat_interval: 5s
//	  ttl: 10s
//	nats:
//	  urls: ["nats://broker:4222"]
//	parameters:
//	  file: params.toml
//
// Recognized environment variables: NVBUS_NODE_NAME, NVBUS_NODE_WORKSPACE,
// NVBUS_NODE_HEARTBEAT_INTERVAL, NVBUS_NODE_TTL, NVBUS_NODE_SERVICE_TIMEOUT,
// NVBUS_NATS_URLS (comma separated), NVBUS_NATS_USERNAME,
// NVBUS_NATS_PASSWORD, NVBUS_NATS_TOKEN, NVBUS_METRICS_ENABLED,
// NVBUS_METRICS_PORT and NVBUS_PARAMETERS_FILE.
//
// LoadParameterTree reads a parameter file (JSON, YAML or TOML) whose
// top-level keys are node names, ready for param.Store.SetFromFile.
package config
