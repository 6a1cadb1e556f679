// Package hlog implements the hybrid log: an append-only arena of records
// whose tail lives in memory and whose older part is flushed to a Device.
//
// Addresses are opaque offsets (page number and slot) into the arena and are
// resolved through the Log; nothing outside this package deals with pages.
// The log is divided into regions:
//
//	[Begin, Head)        device only, reads go through ReadAsync
//	[Head, ReadOnly)     in memory, immutable (copy-on-write)
//	[ReadOnly, Tail)     in memory, mutable (in-place updates allowed)
//
// Shifting ReadOnly or Head is a two step process guarded by the epoch
// manager: the new boundary is published immediately, the "safe" boundary
// follows once every protected owner has observed it. Only then are pages
// flushed (SafeReadOnly) or dropped from memory (SafeHead), so an operation
// that saw the old boundary can finish without its record changing region
// under it.
//
// Two devices are provided: MemoryDevice (xsync map of encoded frames) and
// FileDevice (CRC32 framed append-only file).
package hlog
