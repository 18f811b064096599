// Package lifecycle owns every write to a conversation's status and agent.
//
// # States
//
//	bot ──► waiting ──► active ──► closed
//	 │         │           │
//	 │         └──► abandoned ◄┘
//	 └──► closed
//
// closed and abandoned are terminal. Any edge not drawn is rejected with
// ErrIllegalTransition before the store is touched.
//
// # Outcomes
//
// TryTransition compiles to one conditional update. Losing a race is not an
// error: it yields Conflict, and a missing row yields NotFound. Errors are
// reserved for transport failures and programming mistakes.
//
// Leaving active hands the previous agent to a SlotReleaser so capacity
// accounting follows every exit path, including sweeper reaps.
package lifecycle
