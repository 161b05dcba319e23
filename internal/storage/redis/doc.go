// Package redis caches generated proofs and computed reputations. Redis backed
// implementations use go-redis; the memory implementations bound the entry
// count and evict the oldest entry first.
package redis
