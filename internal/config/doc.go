// Package config loads, validates, and persists scribe's TOML configuration.
// The adjustable memory limit used by the budget tracker lives here and is
// written back to the config file so it survives sessions.
package config
