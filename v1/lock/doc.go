// Package lock provides the distributed mutex layer of the ward engine: a
// named, TTL-bounded cross-process lock with token-checked release, backed by
// Redis or local memory. Contending waiters combine randomized polling with
// unlock wakeups propagated through syncbus.
package lock
