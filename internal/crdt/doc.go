// Package crdt implements a schema-typed conflict-free document.
//
// A Document is a set of named fields, each with a merge policy fixed by its
// Schema:
//
//   - register: last writer wins, ordered by stamp
//   - text: a register holding NFC-normalised text bounded to MaxRunes
//   - map: last writer wins per key, with tombstones for deleted keys
//   - counter: grow-only, one monotone total per replica
//   - set: grow-only union
//
// Stamps are strings compared lexicographically, normally trusted-time
// TimeIDs. Equal stamps fall back to comparing the canonical encoding of the
// values, so every replica picks the same winner.
//
// Merge is commutative, associative and idempotent, and applying a delta is
// idempotent, so replicas that see the same deltas or snapshots in any order
// and any number of times converge.
//
// # Encodings
//
// Snapshots and deltas start with a header line naming the encoding, the
// document type and purpose, and the format version:
//
//	syncvault-crdt snapshot acl/folder-access v1.0
//	{"fields":{...}}
//
// Decoders reject another type, purpose or unsupported version with
// WrongType and a malformed body with Untrusted.
package crdt
