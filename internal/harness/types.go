package harness

// Trace event actions.
const (
	EventRun     = "run"
	EventCrash   = "crash"
	EventAck     = "ack"
	EventDeliver = "deliver"
)

// TraceEvent records one observable thing the host did during a step.
type TraceEvent struct {
	Seq      int    `json:"seq"`
	Step     int    `json:"step"`
	Action   string `json:"action"`
	Instance string `json:"instance,omitempty"`

	// Run fields (run, crash).
	Window       string `json:"window,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	Status       string `json:"status,omitempty"`
	Detail       string `json:"detail,omitempty"`
	Reports      int    `json:"reports,omitempty"`
	Accepted     int    `json:"accepted,omitempty"`
	Deduplicated int    `json:"deduplicated,omitempty"`

	// Delivered counts outbox entries sent (deliver).
	Delivered int `json:"delivered,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every assertion held.
	Pass bool `json:"pass"`

	// Trace holds every run and operator action in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}
