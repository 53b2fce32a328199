// Package pebblestore wraps cockroachdb/pebble behind a small helper surface.
//
// The broker keeps all queue state in a single keyspace, so the wrapper only
// needs point reads, batched writes, and prefix iteration. Two profiles exist:
//
//   - InMemory: pebble over vfs.NewMem, the emulator default. State lives and
//     dies with the process.
//   - DataDir: pebble on disk with a configurable fsync policy, which also
//     makes queue state inspectable by the mimicmq CLI.
package pebblestore
