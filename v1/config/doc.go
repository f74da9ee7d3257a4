// Package config loads the marquee TOML configuration, applies defaults and
// environment overrides for secrets, and validates the result.
package config
