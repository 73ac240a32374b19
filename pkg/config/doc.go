// Package config loads and validates the service configuration from YAML and
// hot-reloads the resource kind definitions when their file changes on disk.
package config
