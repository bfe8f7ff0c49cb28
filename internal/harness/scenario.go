package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one simulation script.
type Scenario struct {
	// Name identifies the scenario and its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario exercises.
	Description string `yaml:"description"`

	// Nodes are the node identities. Defaults to alice and bob.
	Nodes []string `yaml:"nodes,omitempty"`

	// Config overrides node and engine defaults for every node.
	Config *Tuning `yaml:"config,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Expect is checked against the final state.
	Expect []Expectation `yaml:"expect,omitempty"`
}

// Tuning overrides timing and limits. Absent fields keep the defaults.
type Tuning struct {
	InactivityTimeout *Duration `yaml:"inactivity_timeout,omitempty"`
	ResendWindow      *Duration `yaml:"resend_window,omitempty"`
	HeartbeatInterval *Duration `yaml:"heartbeat_interval,omitempty"`
	Linger            *Duration `yaml:"linger,omitempty"`
	MaxBufferedEvents *int      `yaml:"max_buffered_events,omitempty"`
}

// Step is one action. Which fields apply depends on Op.
type Step struct {
	Op string `yaml:"op"`

	// Node is the acting node, or the node whose inbound topic is affected
	// for deliver, drop, duplicate and rewind.
	Node string `yaml:"node,omitempty"`

	// Peer is the counterparty of open.
	Peer string `yaml:"peer,omitempty"`

	// Session is a session alias.
	Session string `yaml:"session,omitempty"`

	// Body is the payload of send, and the Init body of open.
	Body string `yaml:"body,omitempty"`

	// Reason is the abort reason.
	Reason string `yaml:"reason,omitempty"`

	// Order is fifo (default) or reverse for deliver.
	Order string `yaml:"order,omitempty"`

	// Count limits how many messages deliver, drop and duplicate take.
	// Zero means all waiting messages.
	Count int `yaml:"count,omitempty"`

	// NoCommit leaves delivered messages uncommitted so rewind hands them
	// out again.
	NoCommit bool `yaml:"no_commit,omitempty"`

	// By is the advance amount.
	By Duration `yaml:"by,omitempty"`
}

// Step operations.
const (
	OpOpen      = "open"
	OpSend      = "send"
	OpClose     = "close"
	OpAbort     = "abort"
	OpDeliver   = "deliver"
	OpDrop      = "drop"
	OpDuplicate = "duplicate"
	OpRewind    = "rewind"
	OpConsume   = "consume"
	OpTick      = "tick"
	OpAdvance   = "advance"
	OpSettle    = "settle"
)

// Delivery orders.
const (
	OrderFIFO    = "fifo"
	OrderReverse = "reverse"
)

// Expectation describes one session endpoint after the last step.
type Expectation struct {
	Node    string `yaml:"node"`
	Session string `yaml:"session"`

	// Status is a session status, or "absent" for no stored state.
	Status string `yaml:"status,omitempty"`

	// Reason is the expected error reason.
	Reason string `yaml:"reason,omitempty"`

	// Consumed lists the Data bodies the node's flow consumed, in order.
	Consumed []string `yaml:"consumed,omitempty"`

	SendBuffer    *int `yaml:"send_buffer,omitempty"`
	ReceiveBuffer *int `yaml:"receive_buffer,omitempty"`
}

// StatusAbsent is the pseudo status of a session with no stored state.
const StatusAbsent = "absent"

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, s)
	}
	*d = Duration(parsed)
	return nil
}

// LoadScenario reads and validates a scenario file.
// Unknown fields are rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(scenario.Nodes) == 0 {
		scenario.Nodes = []string{"alice", "bob"}
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, n := range s.Nodes {
		if n == "" {
			return fmt.Errorf("nodes[%d]: name is required", i)
		}
		if slices.Index(s.Nodes, n) != i {
			return fmt.Errorf("nodes[%d]: duplicate node %q", i, n)
		}
	}

	aliases := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(s, step, aliases); err != nil {
			return fmt.Errorf("steps[%d] (%s): %w", i, step.Op, err)
		}
	}

	for i, e := range s.Expect {
		if !slices.Contains(s.Nodes, e.Node) {
			return fmt.Errorf("expect[%d]: unknown node %q", i, e.Node)
		}
		if !aliases[e.Session] {
			return fmt.Errorf("expect[%d]: unknown session %q", i, e.Session)
		}
	}
	return nil
}

func validateStep(s *Scenario, step Step, aliases map[string]bool) error {
	needNode := func() error {
		if !slices.Contains(s.Nodes, step.Node) {
			return fmt.Errorf("unknown node %q", step.Node)
		}
		return nil
	}
	needSession := func() error {
		if err := needNode(); err != nil {
			return err
		}
		if !aliases[step.Session] {
			return fmt.Errorf("unknown session %q", step.Session)
		}
		return nil
	}

	switch step.Op {
	case OpOpen:
		if err := needNode(); err != nil {
			return err
		}
		if !slices.Contains(s.Nodes, step.Peer) || step.Peer == step.Node {
			return fmt.Errorf("invalid peer %q", step.Peer)
		}
		if step.Session == "" {
			return fmt.Errorf("session alias is required")
		}
		if aliases[step.Session] {
			return fmt.Errorf("session %q opened twice", step.Session)
		}
		aliases[step.Session] = true
		return nil
	case OpSend, OpClose, OpAbort:
		return needSession()
	case OpDeliver:
		if step.Order != "" && step.Order != OrderFIFO && step.Order != OrderReverse {
			return fmt.Errorf("unknown order %q", step.Order)
		}
		return needNode()
	case OpDrop, OpDuplicate, OpRewind:
		return needNode()
	case OpConsume:
		if step.Session != "" {
			return needSession()
		}
		return needNode()
	case OpTick:
		if step.Node != "" {
			return needNode()
		}
		return nil
	case OpAdvance:
		if step.By <= 0 {
			return fmt.Errorf("by must be a positive duration")
		}
		return nil
	case OpSettle:
		return nil
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op")
	}
}
