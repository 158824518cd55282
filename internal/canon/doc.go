// Package canon provides the canonical encoding and content hashing that every
// replicated structure in syncvault is addressed by.
//
// All other internal packages may import canon; canon imports nothing internal.
//
// Key design constraints:
//   - Canonical JSON follows RFC 8785 (UTF-16 key order, no HTML escaping, NFC strings)
//   - NO float types anywhere - use int64 for numbers
//   - Hashes are domain separated: SHA256(domain + 0x00 + data)
package canon
