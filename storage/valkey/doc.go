// Package valkey provides a Valkey-backed block list and request counter
// shared across gate instances.
//
// Block entries are stored as JSON values under "<prefix>block:<ip>" with a
// key TTL equal to the remaining block duration. Permanent entries carry no
// TTL. A set at "<prefix>blocks" indexes the entries for List, which drops
// members whose value has already expired.
//
// AllowRequest implements a sliding window in a sorted set per client. The
// prune, count and insert run in a single Lua script so concurrent gates
// cannot exceed the limit between check and record.
//
// Example usage:
//
//	store, err := valkey.New(valkey.Config{
//		Address:   "localhost:6379",
//		KeyPrefix: "requestgate:",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
// Tests run against a real server at VALKEY_TEST_ADDR and are skipped when
// none is reachable.
package valkey
