// Package metrics defines the engine's Prometheus instruments. Exposition is
// left to the embedding process; the engine only records.
package metrics
