// Package engine implements the flowsess session-sequencing engine.
//
// The engine turns an at-least-once, per-key-ordered message bus into an
// ordered, duplicate-free channel between two flow endpoints. Every
// operation is a pure state transition:
//
//	(current *ir.SessionState, event ir.SessionEvent, now) -> Result{State, Outbound}
//
// ARCHITECTURE:
//
// Receive path:
// Inbound events are deduplicated by sequence number, buffered in sorted
// order and acknowledged as a contiguous run. The flow pulls them with
// Manager.GetNextReceivedEvent and releases them with
// Manager.AcknowledgeReceivedEvent, which is the only place the receive
// pointer advances.
//
// Send path:
// Outbound Init, Data and Close events get the next sequence number for the
// direction and stay buffered until the peer acks them. Close is deferred
// while anything is still unacked.
//
// Redelivery:
// The four Manager operations never retransmit. Planner.MessagesToSend is the
// host policy that drains owed acks, resends stale buffered events, emits
// heartbeats and detects inactivity.
//
// CRITICAL PATTERNS:
//
// Pure transitions:
// No wall-clock reads, no I/O and no retained state. The caller owns
// persistence and may retry any call, which dedup makes idempotent.
//
// Copy-on-write:
// The input state is never mutated. Every transition works on a Clone.
//
// Single writer per session:
// The caller guarantees at most one in-flight call per session id.
package engine
