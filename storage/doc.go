// Package storage defines the block list contract shared by the gate and
// its backends.
//
// Implementations:
//   - storage/memory: single process, optional JSON file persistence
//   - storage/valkey: shared across instances, also a RequestCounter
//   - storage/mock: function-field doubles for tests
//
// storage/sqlite is not a BlockStore; it keeps the durable security event
// history for the monitor.
package storage
