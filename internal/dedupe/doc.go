// Package dedupe drops change events that were already delivered.
//
// Message brokers deliver at least once, so the realtime dispatcher keys
// every event by its fingerprint and asks the Cache before fanning out.
// Entries expire after a TTL and the cache is bounded by size.
package dedupe
