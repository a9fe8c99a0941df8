package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"

	"github.com/libar-dev/libar-platform/internal/store"
)

// AssertionError provides detailed context for assertion failures.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent // included for event assertions
}

func (e *AssertionError) Error() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s assertion failed:\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s v%d\n", ev.Seq, ev.EventType, ev.Stream, ev.Version)
		}
	}
	return buf.String()
}

func matchesEvent(ev TraceEvent, a Assertion) bool {
	if ev.EventType != a.EventType {
		return false
	}
	if a.Stream != "" && ev.Stream != a.Stream {
		return false
	}
	return matchSubset(ev.Payload, a.Payload)
}

// assertEventContains checks that some event matches type, stream and
// payload (subset match).
func assertEventContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matchesEvent(ev, a) {
			return nil
		}
	}
	expected := a.EventType
	if a.Stream != "" {
		expected += " on " + a.Stream
	}
	if len(a.Payload) > 0 {
		expected += fmt.Sprintf(" with payload %v", a.Payload)
	}
	return &AssertionError{
		Type:     AssertEventContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertEventOrder checks that the first occurrence of each event type
// appears in the given order. Other events may be interleaved.
func assertEventOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		if _, seen := positions[ev.EventType]; !seen {
			positions[ev.EventType] = i + 1
		}
	}

	for _, typ := range a.Events {
		if positions[typ] == 0 {
			return &AssertionError{
				Type:     AssertEventOrder,
				Expected: fmt.Sprintf("all events present: %v", a.Events),
				Actual:   fmt.Sprintf("missing event: %s", typ),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Events); i++ {
		prev, curr := a.Events[i-1], a.Events[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertEventOrder,
				Expected: fmt.Sprintf("events in order: %v", a.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertEventCount checks the number of matching events.
func assertEventCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matchesEvent(ev, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%s to appear %d times", a.EventType, a.Count),
			Actual:   fmt.Sprintf("appeared %d times", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertSnapshot checks the stored state of one entity (subset match).
func assertSnapshot(ctx context.Context, st *store.Store, a Assertion) error {
	snap, err := st.GetSnapshot(ctx, a.Context, a.EntityID)
	if store.IsNotFound(err) {
		return &AssertionError{
			Type:     AssertSnapshot,
			Expected: fmt.Sprintf("snapshot %s/%s", a.Context, a.EntityID),
			Actual:   "snapshot not found",
		}
	}
	if err != nil {
		return fmt.Errorf("snapshot %s/%s: %w", a.Context, a.EntityID, err)
	}

	var state map[string]any
	if err := json.Unmarshal(snap.State, &state); err != nil {
		return fmt.Errorf("decode snapshot %s/%s: %w", a.Context, a.EntityID, err)
	}
	for _, key := range sortedKeys(a.Expect) {
		actual, ok := state[key]
		if !ok {
			return &AssertionError{
				Type:     AssertSnapshot,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("fields present: %v", sortedKeys(state)),
			}
		}
		if !matchValue(actual, a.Expect[key]) {
			return &AssertionError{
				Type:     AssertSnapshot,
				Expected: fmt.Sprintf("field %q = %v", key, a.Expect[key]),
				Actual:   fmt.Sprintf("field %q = %v", key, actual),
			}
		}
	}
	return nil
}

// assertCommandStatus checks the ledger status of a command.
func assertCommandStatus(ctx context.Context, st *store.Store, a Assertion) error {
	rec, err := st.GetCommand(ctx, a.CommandID)
	if store.IsNotFound(err) {
		return &AssertionError{
			Type:     AssertCommandStatus,
			Expected: fmt.Sprintf("command %s with status %s", a.CommandID, a.Status),
			Actual:   "command not recorded",
		}
	}
	if err != nil {
		return fmt.Errorf("command %s: %w", a.CommandID, err)
	}
	if string(rec.Status) != a.Status {
		return &AssertionError{
			Type:     AssertCommandStatus,
			Expected: fmt.Sprintf("command %s with status %s", a.CommandID, a.Status),
			Actual:   fmt.Sprintf("status %s (result %s)", rec.Status, rec.Result),
		}
	}
	return nil
}

// matchSubset reports whether actual, a decoded JSON object, contains every
// key of expected with an equal value. Nested objects match recursively.
func matchSubset(actual any, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}
	actualMap, ok := actual.(map[string]any)
	if !ok {
		return false
	}
	for key, want := range expected {
		got, exists := actualMap[key]
		if !exists || !matchValue(got, want) {
			return false
		}
	}
	return true
}

// matchValue compares a decoded JSON value with a YAML value. The YAML
// side is normalized through JSON so 2 and 2.0 compare equal.
func matchValue(actual, expected any) bool {
	if nested, ok := expected.(map[string]any); ok {
		return matchSubset(actual, nested)
	}
	return reflect.DeepEqual(actual, normalize(expected))
}

func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for snapshot and
// command_status assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertEventContains:
			err = assertEventContains(result.Trace, assertion)
		case AssertEventOrder:
			err = assertEventOrder(result.Trace, assertion)
		case AssertEventCount:
			err = assertEventCount(result.Trace, assertion)
		case AssertSnapshot, AssertCommandStatus:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires database context", i, assertion.Type)
			} else if assertion.Type == AssertSnapshot {
				err = assertSnapshot(actx.Ctx, actx.Store, assertion)
			} else {
				err = assertCommandStatus(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
