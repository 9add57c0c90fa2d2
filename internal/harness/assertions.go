package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/vigil/internal/cursor"
	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Instance string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s", e.Type)
	if e.Instance != "" {
		fmt.Fprintf(&buf, " (%s)", e.Instance)
	}
	fmt.Fprintf(&buf, "\n  Expected: %s\n  Actual: %s", e.Expected, e.Actual)
	return buf.String()
}

// AssertionContext is the final host state assertions are checked against.
type AssertionContext struct {
	Ctx     context.Context
	Store   *store.Store
	Cursors *cursor.Store
}

// EvaluateAssertions checks every assertion and returns one message per
// failure, in assertion order.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(actx, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(actx *AssertionContext, a Assertion) error {
	switch a.Type {
	case AssertIncidentCount:
		return assertIncidentCount(actx, a)
	case AssertIncident:
		return assertIncident(actx, a)
	case AssertCursor:
		return assertCursor(actx, a)
	case AssertInstanceState:
		return assertInstanceState(actx, a)
	case AssertExecutionStatuses:
		return assertExecutionStatuses(actx, a)
	case AssertOutboxPending:
		return assertOutboxPending(actx, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertIncidentCount(actx *AssertionContext, a Assertion) error {
	incs, err := actx.Store.ListIncidents(actx.Ctx, store.IncidentFilter{InstanceID: a.Instance})
	if err != nil {
		return err
	}
	if len(incs) != *a.Count {
		return &AssertionError{
			Type:     a.Type,
			Instance: a.Instance,
			Expected: fmt.Sprintf("%d incidents", *a.Count),
			Actual:   fmt.Sprintf("%d incidents", len(incs)),
		}
	}
	return nil
}

// assertIncident passes if any incident of the instance matches every
// expected field.
func assertIncident(actx *AssertionContext, a Assertion) error {
	incs, err := actx.Store.ListIncidents(actx.Ctx, store.IncidentFilter{InstanceID: a.Instance})
	if err != nil {
		return err
	}
	for _, inc := range incs {
		if matchIncident(incidentFields(inc), a.Expect) {
			return nil
		}
	}
	return &AssertionError{
		Type:     a.Type,
		Instance: a.Instance,
		Expected: "incident with " + formatFields(a.Expect),
		Actual:   fmt.Sprintf("no match among %d incidents", len(incs)),
	}
}

func incidentFields(inc ir.Incident) map[string]string {
	return map[string]string{
		"block_number":     fmt.Sprint(inc.BlockNumber),
		"transaction_hash": inc.TransactionHash,
		"severity":         string(inc.Severity),
		"message":          inc.Message,
		"execution_id":     inc.ExecutionID,
		"dedup_key":        inc.DedupKey,
	}
}

// matchIncident compares by string form so YAML ints match uint64 fields.
func matchIncident(actual map[string]string, expected map[string]any) bool {
	for k, v := range expected {
		got, ok := actual[k]
		if !ok {
			return false
		}
		want := fmt.Sprint(v)
		if k == "transaction_hash" {
			want = ir.NormalizeHex(want)
		}
		if got != want {
			return false
		}
	}
	return true
}

func formatFields(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func assertCursor(actx *AssertionContext, a Assertion) error {
	next, err := actx.Cursors.Get(actx.Ctx, a.Instance)
	if err != nil {
		return err
	}
	if next != *a.Next {
		return &AssertionError{
			Type:     a.Type,
			Instance: a.Instance,
			Expected: fmt.Sprintf("next block %d", *a.Next),
			Actual:   fmt.Sprintf("next block %d", next),
		}
	}
	return nil
}

func assertInstanceState(actx *AssertionContext, a Assertion) error {
	st, err := actx.Store.GetInstanceStatus(actx.Ctx, a.Instance)
	if err != nil {
		return err
	}
	if string(st.State) != a.State {
		return &AssertionError{
			Type:     a.Type,
			Instance: a.Instance,
			Expected: "state " + a.State,
			Actual:   fmt.Sprintf("state %s (failures %d, last error %q)", st.State, st.Failures, st.LastError),
		}
	}
	if a.Failures != nil && st.Failures != *a.Failures {
		return &AssertionError{
			Type:     a.Type,
			Instance: a.Instance,
			Expected: fmt.Sprintf("%d failures", *a.Failures),
			Actual:   fmt.Sprintf("%d failures", st.Failures),
		}
	}
	return nil
}

func assertExecutionStatuses(actx *AssertionContext, a Assertion) error {
	recs, err := actx.Store.ListExecutions(actx.Ctx, a.Instance, 0)
	if err != nil {
		return err
	}
	got := make([]string, len(recs))
	for i, r := range recs {
		got[i] = string(r.Status)
	}
	if strings.Join(got, ",") != strings.Join(a.Statuses, ",") {
		return &AssertionError{
			Type:     a.Type,
			Instance: a.Instance,
			Expected: fmt.Sprintf("%v", a.Statuses),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}

func assertOutboxPending(actx *AssertionContext, a Assertion) error {
	n, err := actx.Store.PendingOutbox(actx.Ctx)
	if err != nil {
		return err
	}
	if n != *a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d pending outbox entries", *a.Count),
			Actual:   fmt.Sprintf("%d pending", n),
		}
	}
	return nil
}
