// Package store holds the replicated item hierarchy of one storage root:
// folders and bundles (containers) and files (leaves), each addressed by an
// ident.Path, plus tombstones for deleted items.
//
// # Content hashes
//
// Every item has a derived content hash. A file's hash covers its raw bytes;
// a container's hash covers the sorted (child id, child hash) pairs of its
// direct children, with a deleted child contributing its tombstone hash.
// Hashes are never ground truth: they are memoised in a HashCache and
// invalidated along the mutated path and every ancestor, then recomputed on
// the next read.
//
// # Backings
//
// The Store validates kinds and ancestry and delegates persistence to a
// Backing. Three backings ship with the package:
//
//   - MemoryBacking: maps, for tests and ephemeral replicas
//   - SQLiteBacking: one items table in a WAL-mode SQLite file
//   - FSBacking: a directory per item on an afero.Fs, guarded by a flock file
//
// Callers never depend on which backing is in use.
//
// # Locking
//
// Mutations take the per-root RootLock with a bounded wait and release it on
// every exit path. Reads do not lock; the hash cache tolerates concurrent
// invalidation and never caches a value computed across one.
package store
