// Package sweeper abandons conversations that have gone quiet.
//
// Every Interval the sweeper lists waiting conversations idle longer than
// WaitingAfter and active conversations idle longer than ActiveAfter, and
// moves each to abandoned through the state machine. The transition is
// guarded by the status read at scan time and by the idle cutoff, so a
// conversation that is claimed, closed, or receives a message between the
// scan and the write is left alone.
//
// Each successful abandonment appends a satisfaction artifact with rating 0
// and comment "abandoned". When WarnAfter and MaxWarnings are set, active
// conversations additionally receive inactivity nudges before they are reaped.
package sweeper
