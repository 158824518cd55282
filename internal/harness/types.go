package harness

import "github.com/roach88/syncvault/internal/service"

// TraceEvent is one service event, tagged with the device that logged it.
type TraceEvent struct {
	Device        string `yaml:"device"`
	service.Event `yaml:",inline"`
}

// StepRecord is the trace of one step: its outcome and the events every
// device logged while it ran.
type StepRecord struct {
	Step   int          `yaml:"step"`
	Device string       `yaml:"device"`
	Op     string       `yaml:"op"`
	Path   string       `yaml:"path,omitempty"`
	Remote string       `yaml:"remote,omitempty"`
	State  string       `yaml:"state,omitempty"`
	Error  string       `yaml:"error,omitempty"`
	Events []TraceEvent `yaml:"events,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `yaml:"pass"`

	// Steps holds one record per step, in order.
	Steps []StepRecord `yaml:"steps"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `yaml:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{Pass: true, Steps: []StepRecord{}, Errors: []string{}}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Events returns every traced event logged by device, in order.
func (r *Result) Events(device string) []TraceEvent {
	var out []TraceEvent
	for _, st := range r.Steps {
		for _, ev := range st.Events {
			if ev.Device == device {
				out = append(out, ev)
			}
		}
	}
	return out
}
