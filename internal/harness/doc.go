// Package harness runs deterministic multi-node session scenarios.
//
// A scenario is a YAML file listing the nodes, a sequence of steps and the
// expected end state. Every node runs on an in-memory store and all nodes
// share one single-partition bus and one manual clock, so message order and
// timing are fully controlled by the steps:
//
//	name: lossy_resend
//	description: A lost Init is retransmitted after the resend window.
//	steps:
//	  - {op: open, node: alice, peer: bob, session: s}
//	  - {op: drop, node: bob}
//	  - {op: advance, by: 6s}
//	  - {op: tick, node: alice}
//	  - {op: settle}
//	expect:
//	  - {node: bob, session: s, status: CONFIRMED}
//
// Sessions are referred to by the alias given to open. Running a scenario
// yields a text trace of every message delivered, every event consumed and
// every status change. RunWithGolden compares that trace against
// testdata/golden/<name>.golden.
package harness
