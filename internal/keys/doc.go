// Package keys is the cryptography provider: member identities (ed25519
// signing plus curve25519 envelope keys), anonymous envelopes for shared
// secrets, authenticated symmetric encryption, and password-wrapped
// credential blobs.
//
// Nothing here is global. A Registry holds the unlocked identities of one
// session and is passed to whoever needs them.
package keys
