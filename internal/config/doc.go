// Package config loads the AgentDesk runtime configuration from JSON or YAML
// files, fills in defaults for every section and validates that the selected
// storage, queue and catalog drivers have the connection details they need.
package config
