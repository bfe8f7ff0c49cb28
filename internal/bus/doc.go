// Package bus is an in-process model of a partitioned, at-least-once
// message bus.
//
// Messages published to a topic are assigned to a partition by hashing
// their key, so every message of one session lands on one partition and
// is delivered in publish order. Consumers commit offsets after handling a
// message; Rewind moves every partition back to its last committed offset,
// which is what a consumer restart or a partition rebalance looks like to
// the receiving side. Duplicate and the fault options inject the
// redeliveries and losses a real bus produces.
//
// Poll/Commit is synchronous and deterministic, for simulations. Consume
// runs one goroutine per partition.
package bus
