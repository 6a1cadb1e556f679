// Package cmd implements the command-line interface for the hKV embedded
// key-value store. Every command opens the store in the configured data
// directory, runs and closes it again.
//
// The package is organized into several subpackages:
//
//   - kv: Commands for key-value operations (get, set, del, incr, append, ...) and the perf test
//   - checkpoint: Commands to list, take and remove checkpoints and to recover a store
//   - util: Shared flags, configuration and store setup (internal use)
//
// Every flag can also be set through an environment variable with the HKV_
// prefix (e.g. HKV_DATA_DIR) or a .env file in the working directory.
//
// See hkv -help for a list of all commands.
package cmd
