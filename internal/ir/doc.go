// Package ir provides the canonical session protocol types for flowsess.
//
// This package contains the wire event model and the persisted session state
// only. All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Payloads are a sealed union; only the six kinds in this package exist
//   - Sequence numbers are 1-based and assigned per direction
//   - Ack, Error and Heartbeat are unsequenced and carry sequence number 0
//   - Timestamps are producer-supplied logical time, never read from the wall clock
//   - All JSON tags use snake_case
package ir
