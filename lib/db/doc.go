// Package db provides a byte oriented key-value interface on top of the
// hKV engine. The engine itself is generic over its value semantics (see
// package core); KVDB fixes them to plain byte values, int64 counters and
// appendable blobs so applications and the CLI can use the store without
// writing callbacks.
//
// Key Components:
//
//   - KVDB Interface: Set, Get, Has, Delete, the atomic merges Increment and
//     Append, and Checkpoint / Recover for durability.
//
//   - Feature Flags: The Feature type defines capability flags that
//     implementations advertise through SupportsFeature.
//
//   - Implementation Identifiers: currently "hybrid" (engines/hybrid).
//
//   - Database Information: DatabaseInfo reports estimated size statistics,
//     the implementation type and implementation specific metadata.
//
// The conformance suite in lib/db/testing runs against every implementation.
package db
