// Package hybrid implements db.KVDB on the hKV engine (package core).
//
// Values are plain byte slices. Increment and Append are executed as
// read-modify-write operations, so concurrent merges on the same key never
// lose updates, and they run in place while the record is in the mutable
// region of the log.
//
// Every call borrows a relaxed session from a pool (a buffered channel).
// Sessions are opened lazily up to DBOptions.Sessions and stay registered
// until Close. Calls wait for device reads without holding epoch
// protection, bounded by DBOptions.OpTimeout.
//
// With an Engine.Dir the database supports checkpoints:
//
//	kv, _ := hybrid.NewHybridDB(&hybrid.DBOptions{Engine: core.Options{Dir: dir}})
//	_ = kv.Set("a", []byte("1"))
//	token, _ := kv.Checkpoint()
//	_ = kv.Close()
//
//	kv, _ = hybrid.NewHybridDB(&hybrid.DBOptions{Engine: core.Options{Dir: dir}})
//	_ = kv.Recover(token) // or hybrid.LatestToken
//
// Recover must be the first call on a freshly opened database.
package hybrid
