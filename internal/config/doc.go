// Package config loads engine configuration from JSON or YAML files over
// built-in defaults. Only knobs the embedding process cannot derive live
// here: storage profile, registration defaults, payload cap, reaper cadence.
package config
