// Package lock provides cross-process TTL locks. A lock is a named record
// with an expiry kept in a shared durable store; at most one unexpired record
// per name exists at a time and an expired record can be stolen by the next
// caller. Release carries no ownership token: correctness rests on the TTL,
// so a crashed holder simply lets its lock run out.
//
// Implementations exist for Redis, relational databases through GORM and
// MongoDB, plus an in-process variant for single-replica setups and tests.
// Backend failures never surface as panics; every call degrades to "not
// acquired" or "not held" and returns a transient error.
package lock
