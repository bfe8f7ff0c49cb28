package harness

import "strings"

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when every expectation held.
	Pass bool `json:"pass"`

	// Trace is the step-by-step text trace.
	Trace []string `json:"trace"`

	// Errors lists failed expectations.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []string{},
		Errors: []string{},
	}
}

// AddError records a failed expectation and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// TraceText joins the trace into newline-terminated text.
func (r *Result) TraceText() string {
	if len(r.Trace) == 0 {
		return ""
	}
	return strings.Join(r.Trace, "\n") + "\n"
}
