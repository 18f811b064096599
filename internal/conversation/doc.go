// Package conversation is the API consoles and the citizen widget call.
//
// Service wraps the state machine, dispatch engine, capacity gate and
// realtime dispatcher behind one type:
//
//	svc := conversation.New(conversation.Deps{...}, logger)
//
// Writes return a lifecycle.Outcome. Conflict, AlreadyClaimed and
// CapacityExceeded are normal results, not errors, and must not be retried
// blindly. Reads always come from the store, so a viewer that receives a
// reload calls Snapshot and renders whatever it returns.
package conversation
