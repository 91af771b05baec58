// Package config loads and validates the daemon configuration. The JSON file
// path comes from a flag or the OPENORCH_CONFIG environment variable; ${VAR}
// placeholders are expanded from the environment and every section the daemon
// consumes is backfilled with defaults.
package config
