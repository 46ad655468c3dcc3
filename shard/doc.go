// Package shard implements the storage unit owning one
// contiguous sub-range of the key space.
//
// Each shard is an actor: a single goroutine drains its mailbox
// and processes one request to completion before the next, so
// operations on the same shard are linearized without locks.
// Other components talk to a shard only through the exported
// methods, which send a request into the mailbox and block on a
// reply channel until the actor answers or the caller's context
// expires.
//
// A shard keeps its records in an ordered in-memory tree and
// mirrors every update to a per-shard bucket in the kv store, so
// the record set survives restarts. The store is insert/update
// only: records are overwritten in place, never removed. A
// record carries a version counter incremented on every
// overwrite; migrations use it to detect stale writes.
//
// Splitting hands every record at or above a boundary key to a
// newly created sibling shard. The records are copied into the
// sibling's bucket in a single storage transaction and the
// parent's copies become strays pruned on its next open, so a
// crash anywhere in the protocol loses nothing: either the
// directory published the split and the sibling's copies are
// authoritative, or it did not and the parent's still are. The
// split is all-or-nothing: if the transaction fails the shard is
// left exactly as it was. Immediately after a split the parent
// rejects keys it no longer owns with ErrOutOfRange until the
// routing table catches up; callers heal this window by
// re-routing once and retrying.
package shard
