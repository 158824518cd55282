// Package harness runs multi-device sync scenarios.
//
// A scenario names a storage root, some devices and some servers, then
// drives them through a list of steps: local edits through each device's
// vault, and push, pull, sync, notify and drain through each device's sync
// service. Servers are remote handlers over in-memory stores; a notification
// sent to a server is delivered to every other device that uses it.
//
// # Scenario Format
//
//	name: share_and_edit
//	description: "A shared folder edited on the second device"
//	root: alice
//	servers: [home]
//	devices:
//	  - name: laptop
//	    seed: 1
//	    remotes: [home]
//	  - name: phone
//	    seed: 2
//	    remotes: [home]
//	steps:
//	  - {device: laptop, op: mkdir, path: mail}
//	  - {device: laptop, op: write, path: mail/note, data: hello}
//	  - {device: laptop, op: share, path: mail, member: phone, role: writer}
//	  - {device: laptop, op: push, remote: home}
//	  - device: phone
//	    op: pull
//	    remote: home
//	    expect: {state: applied}
//	assertions:
//	  - {type: content, device: phone, path: mail/note, data: hello}
//	  - {type: in_sync, devices: [laptop, phone, home], path: mail}
//
// Step paths are slash-separated plain names. Every name but the last is a
// folder; the last takes the step's kind (file for write, folder otherwise).
// A "kind:name" element such as "bundle:storage" sets the kind explicitly.
// An empty path is the storage root.
//
// # Assertion Types
//
//   - content: a device decrypts the file at path to data
//   - absent: path is missing or deleted on a device or server
//   - in_sync: every named device and server has the same hash at path
//   - event_contains: a device logged an event of kind for path (and remote)
//   - event_count: a device logged exactly count events of kind
//
// # Deterministic Testing
//
// Identities come from fixed seeds and every device shares one fake clock,
// advanced a second before each step. Content is encrypted with random
// nonces, so hashes are never part of the trace; paths, kinds, remotes and
// per-device sequence numbers are, which keeps golden event logs stable.
package harness
