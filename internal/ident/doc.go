// Package ident defines how items are addressed: storage roots, typed
// syncable ids, and immutable paths of ids under a root.
//
// A SyncableID carries its item kind and how it was minted in a short,
// versioned prefix:
//
//	fop1-mail                          plain folder named "mail"
//	fis1-n5xgk4tfmfzgk4dfojsgk5lt      salted file (name hidden from the medium)
//	but1-01890a5d-ac96-774b-bcce-...   time-ordered bundle (UUIDv7 body)
//
// Paths render as "<root>:/<id>/<id>"; the root path "<root>:/" is an
// implicit folder that always exists.
package ident
