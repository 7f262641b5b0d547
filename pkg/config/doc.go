// Package config loads the careflow service configuration.
//
// A configuration file may be YAML, JSON or CUE. Every document is unified
// with a built-in CUE schema (#Config) before it is decoded, so misspelled
// keys and malformed durations are reported with their source position.
// Values absent from the file keep their defaults.
//
// Environment variables prefixed with CAREFLOW_ override the file:
//
//	CAREFLOW_ENVIRONMENT        environment
//	CAREFLOW_SERVER_ADDRESS     server.address
//	CAREFLOW_STORE_PATH         store.path
//	CAREFLOW_PLANS_DIR          plans.dir
//	CAREFLOW_POLICY_DIR         policy.dir
//	CAREFLOW_RESOLVER_BASE_URL  resolver.base_url
//	CAREFLOW_NATS_URL           nats.url (enables nats)
//	CAREFLOW_COORDINATOR_WORKERS coordinator.workers
//	CAREFLOW_LOG_LEVEL          telemetry.logging.level
//	CAREFLOW_LOG_FORMAT         telemetry.logging.format
//	CAREFLOW_METRICS_ADDRESS    telemetry.metrics.listen_address
//	CAREFLOW_OTLP_ENDPOINT      telemetry.tracing.endpoint (enables otlp)
//
// The merged configuration is validated with struct tags and every violation
// is returned at once.
//
// Example:
//
//	environment: production
//	server:
//	  address: ":8443"
//	store:
//	  path: /var/lib/careflow/careflow.db
//	plans:
//	  dir: /etc/careflow/plans
//	resolver:
//	  base_url: https://ehr.internal
//	  allowed_base_urls: ["https://*.ehr.internal"]
//	coordinator:
//	  workers: 8
//	  max_backoff: 2m
package config
