// Package service is the embedding surface of the engine: every operation a
// transport or test harness would call goes through it. It validates requests,
// resolves queues through the registry, and records operation metrics, leaving
// message-state transitions to the broker.
package service
