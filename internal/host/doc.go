// Package host runs session endpoints on top of the engine.
//
// A Node owns one identity on the bus. It loads a session's state from the
// store, applies one input through the engine, and commits the next state
// together with the events to publish and a log entry describing the
// input. Publishing happens afterwards from the outbox, so a crash between
// the two only delays delivery.
//
// Inputs for one session are serialized with striped locks. Different
// sessions progress concurrently.
//
// The flow (the code that reads and writes session payloads) is a FlowFunc
// handed to Consume or Run. It sees every inbound Init, Data and Close once
// in sequence order, at least once across crashes.
package host
