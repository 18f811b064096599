// Package realtime turns store change events into reload signals for
// connected viewers.
//
// A Dispatcher holds a single EventBus subscription per process. Each event
// is checked against a fingerprint cache, mapped to the interests it affects
// (Relevant), and marked pending on every local subscriber registered for
// one of them. A subscriber's goroutine drains its pending set into one
// Reload, so a burst of changes collapses into a single refetch.
//
// Reloads carry no row data. Delivery order across events is not
// guaranteed; consumers always re-read from the store.
package realtime
