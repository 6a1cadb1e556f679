// Package core implements the store: sessions executing Read, Upsert, RMW
// and Delete over a hash index and a hybrid log, with asynchronous
// completion of operations that need the device and concurrent prefix
// recoverable (CPR) checkpoints.
//
// A store is typed by the user's Functions: I is the input of reads and
// read-modify-writes, O their output and C an opaque per-operation context
// handed back when a pending operation completes.
//
//	store, err := core.New[int64, int64, struct{}](opts)
//	sess, err := store.NewSession(fns, core.WithSessionID("worker-1"))
//	defer sess.Dispose()
//
//	out, status, err := sess.RMW(key, 1, struct{}{})
//	if status == core.Pending {
//		_, err = sess.CompletePending(true, false)
//	}
//
// # Sessions
//
// Every operation gets a serial number. A checkpoint records, per session, a
// commit point: all operations up to a serial except a set of excluded ones
// that were still pending when the version changed. After recovery
// ResumeSession returns that commit point, and the client re-issues what is
// not covered.
//
// Relaxed sessions (the default) hold epoch protection only inside a call.
// Sessions created WithThreadAffinity stay protected and must call Refresh,
// in exchange their calls skip the protect / unprotect pair.
//
// # Checkpoints
//
// A checkpoint walks the store through the phases of SystemState. Sessions
// acknowledge each phase on their next call; idle sessions are acknowledged
// by the coordinator. At IN_PROGRESS every session moves from version v to
// v+1, the checkpoint then contains exactly the v records.
package core
