// Package config loads host and runner configuration from TOML files with
// sane defaults, and validates the overlay layout at parse time.
package config
