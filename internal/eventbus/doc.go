// Package eventbus carries row-level change notifications between the
// store and realtime viewers.
//
// # Delivery Model
//
// Delivery is at-least-once and unordered across rows. Subscribers must
// tolerate duplicates and must never treat an event payload as the
// authoritative row state; events only say "this row changed", and the
// receiver re-reads the store.
//
// # Implementations
//
//   - MemoryBus: in-process fan-out used by a single gateway and in tests
//   - AMQPBus: RabbitMQ topic exchange for multi-instance deployments
//
// Routing keys have the form "<topic>.<type>", for example
// "conversations.UPDATE".
package eventbus
