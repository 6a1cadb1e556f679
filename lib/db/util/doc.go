// Package util holds small building blocks shared by the engine packages
// and the database facade.
//
// The package contains:
//   - functions: seeded FNV-1a key hashing and little-endian int64 codecs
//   - keyedheap: a min-heap with lookup and removal by key, used for the epoch drain list
//   - mpsc: an unbounded multi-producer single-consumer queue feeding a channel, used for I/O completions
//   - sizestats: a power-of-two SizeHistogram and size summaries for capacity reports
package util
