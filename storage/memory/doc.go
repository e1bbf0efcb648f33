// Package memory provides an in-memory storage.BlockStore.
//
// Entries live in a map guarded by sync.RWMutex. Expired entries are dropped
// lazily on lookup and by a single sweep goroutine. With WithFile the active
// set is written as a JSON array after every Block and Unblock, using a temp
// file renamed into place.
//
// Load understands both the entry-object format written by Persist and the
// legacy format, a plain array of IP strings.
//
// Example usage:
//
//	store := memory.New(memory.WithFile("/var/lib/requestgate/blocked.json"))
//	defer store.Stop()
//
//	if err := store.Load(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// For deployments with several gate instances, use storage/valkey instead.
package memory
