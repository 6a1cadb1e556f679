// Package testing provides standardised tests and benchmarks for
// database implementations that satisfy the db.KVDB interface.
//
// The package contains:
//   - testing: a conformance suite for the KVDB contract, including
//     lost-update checks for concurrent merges and a checkpoint/recover
//     round trip across a reopen
//   - benchmark: throughput of the common operations and of checkpoints
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func(dir string) db.KVDB {
//		return NewMyDatabase(dir)
//	}
//
//	// Running the standard test suite
//	dbtesting.RunKVDBTests(t, "MyDatabase", factory)
//
//	// Running performance benchmarks
//	dbtesting.RunKVDBBenchmarks(b, "MyDatabase", factory)
package testing
