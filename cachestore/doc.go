// Read-through cache for derived values (as strings) with a fixed TTL and purging.
//
// Includes an interface and implementations using redis and in-process memory.
//
// The reputation scorer caches user and guild scores here so that policy evaluation does not hit the database for
// every lookup. Writers purge on recompute; the TTL only bounds staleness across processes.
package cachestore
