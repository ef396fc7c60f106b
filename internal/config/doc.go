// Package config loads the server settings from defaults, an optional YAML
// file and SYNOPSIS_* environment variables, then validates them.
package config
