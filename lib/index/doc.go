// Package index implements the concurrent hash index of the store: a map
// from 64 bit key hashes to entries holding the head address of the hash
// chain in the hybrid log.
//
// Chain heads only change through Entry.CompareAndSwap, so a writer that
// lost a race re-reads the head and retries instead of overwriting it.
// Entries are never removed; a key that was deleted keeps its entry and a
// tombstone at the head of its chain.
//
// The table is an xsync.MapOf that grows by itself. Grow re-homes all
// entries into a table presized to twice the current size; the entry cells
// are shared between the old and the new table, so a chain-head CAS that
// races with Grow is never lost. Entry creation during a grow is serialized
// on a mutex, see BeginGrow.
//
// Checkpoint writes a fuzzy dump of all (hash, head) pairs as a zstd stream.
// It is fuzzy because writers keep running; recovery repairs it by replaying
// the log from the address at which the dump started.
package index
