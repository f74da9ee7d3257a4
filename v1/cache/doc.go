// Package cache provides the volatile tier in front of the durable stores.
//
// Nothing stored here is a source of truth. Tiered wraps a Redis client with
// a readiness flag and degrades every call to "not available" when the
// backend fails; Activity keeps a sliding window of active subjects; and
// IndexCache keeps the fuzzy search index snapshot, with a process-local
// ristretto copy in front of Redis.
package cache
