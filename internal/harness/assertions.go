package harness

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/slaclab/cpsw-tpg/internal/sim"
	"github.com/slaclab/cpsw-tpg/internal/store"
)

// SQL identifiers cannot be bound as parameters; table and column names
// from scenarios must match this instead.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError describes one failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent // attached by trace assertions
}

func (e *AssertionError) Error() string {
	var b strings.Builder
	b.WriteString("Assertion failed: " + e.Type + "\n")
	b.WriteString("  Expected: " + e.Expected + "\n")
	b.WriteString("  Actual: " + e.Actual + "\n")
	if len(e.Trace) == 0 {
		return b.String()
	}
	b.WriteString("\nFull trace:\n")
	for i, ev := range e.Trace {
		fmt.Fprintf(&b, "  [%d] %s\n", i+1, ev)
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

// countKey returns how often key occurs in trace and the 1-based index of
// its first occurrence, 0 when absent.
func countKey(trace []TraceEvent, key string) (count, first int) {
	for i, ev := range trace {
		if ev.Key() != key {
			continue
		}
		if count == 0 {
			first = i + 1
		}
		count++
	}
	return count, first
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	if n, _ := countKey(trace, a.Event); n > 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: "event " + a.Event,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder compares first occurrences only, so a key listed twice
// can never be in order.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	firsts := make([]int, len(a.Events))
	for i, key := range a.Events {
		_, first := countKey(trace, key)
		if first == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", a.Events),
				Actual:   "missing event: " + key,
				Trace:    trace,
			}
		}
		firsts[i] = first
	}

	for i := 1; i < len(firsts); i++ {
		if firsts[i-1] < firsts[i] {
			continue
		}
		return &AssertionError{
			Type:     AssertTraceOrder,
			Expected: fmt.Sprintf("events in order: %v", a.Events),
			Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
				a.Events[i-1], firsts[i-1], a.Events[i], firsts[i]),
			Trace: trace,
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n, _ := countKey(trace, a.Event)
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Event),
		Actual:   fmt.Sprintf("%d occurrences", n),
		Trace:    trace,
	}
}

// simFields names the parts of an engine snapshot sim_state can check.
func simFields(s sim.State) map[string]any {
	return map[string]any{
		"pc":           int64(s.PC),
		"running":      s.Running,
		"latched":      int64(s.Latched),
		"requests":     int64(s.Requests),
		"last_request": int64(s.LastRequest),
		"counter_a":    int64(s.Counters[0]),
		"counter_b":    int64(s.Counters[1]),
		"counter_c":    int64(s.Counters[2]),
	}
}

func assertSimState(m *sim.Machine, a Assertion) error {
	s, err := m.State(a.Engine)
	if err != nil {
		return err
	}
	return compareFields(AssertSimState, fmt.Sprintf("engine %d", a.Engine), simFields(s), a.Expect)
}

// compareFields is a subset match of expect against actual. Fields are
// checked in name order.
func compareFields(kind, subject string, actual, expect map[string]any) error {
	for _, key := range sortedKeys(expect) {
		want := expect[key]
		got, ok := actual[key]
		if !ok {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("field %q to exist in %s", key, subject),
				Actual:   fmt.Sprintf("field %q not present in: %v", key, sortedKeys(actual)),
			}
		}
		if !stateValuesEqual(want, got) {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("%s field %q = %v (type %T)", subject, key, want, want),
				Actual:   fmt.Sprintf("%s field %q = %v (type %T)", subject, key, got, got),
			}
		}
	}
	return nil
}

// assertFinalState requires exactly one row of Table to match Where and
// then compares it with Expect.
func assertFinalState(ctx context.Context, st *store.Store, a Assertion) error {
	if !validIdentifier.MatchString(a.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", a.Table, validIdentifier)
	}
	where, args, err := buildWhereClause(a.Where)
	if err != nil {
		return err
	}
	query := "SELECT * FROM " + a.Table
	if where != "" {
		query += " WHERE " + where
	}

	row, matched, err := queryRow(ctx, st, query, args)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: "query table " + a.Table,
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	switch {
	case matched == 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", a.Table, formatWhereClause(a.Where)),
			Actual:   "row not found",
		}
	case matched > 1:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", a.Table, formatWhereClause(a.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}
	return compareFields(AssertFinalState, a.Table, row, a.Expect)
}

// queryRow returns the first row of query keyed by column, and whether
// zero, one or more rows matched (0, 1 or 2).
func queryRow(ctx context.Context, st *store.Store, query string, args []any) (map[string]any, int, error) {
	rows, err := st.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, 0, rows.Err()
	}
	columns, err := rows.Columns()
	if err != nil {
		return nil, 0, err
	}
	values := make([]any, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, 0, err
	}

	row := make(map[string]any, len(columns))
	for i, col := range columns {
		row[col] = values[i]
	}
	if rows.Next() {
		return row, 2, nil
	}
	return row, 1, rows.Err()
}

// buildWhereClause returns a parameterized conjunction over where, in
// column name order.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	keys := sortedKeys(where)
	clauses := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier)
		}
		clauses[i] = key + " = ?"
		args[i] = toSQLValue(where[key])
	}
	return strings.Join(clauses, " AND "), args, nil
}

func toSQLValue(v any) any {
	switch v.(type) {
	case string, int, int64, bool:
		return v
	}
	return fmt.Sprint(v)
}

func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	parts := make([]string, 0, len(where))
	for _, k := range sortedKeys(where) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares a YAML-decoded expectation with a value from
// SQLite or the engine model. SQLite yields int64 for integers, 0/1 for
// booleans and sometimes []byte for text.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	switch exp := expected.(type) {
	case string:
		switch act := actual.(type) {
		case string:
			return exp == act
		case []byte:
			return exp == string(act)
		}
		return false
	case int:
		return intEqual(int64(exp), actual)
	case int64:
		return intEqual(exp, actual)
	case uint64:
		return exp <= 1<<63-1 && intEqual(int64(exp), actual)
	case bool:
		switch act := actual.(type) {
		case bool:
			return exp == act
		case int64:
			return exp == (act != 0)
		}
		return false
	}
	return reflect.DeepEqual(expected, actual)
}

func intEqual(exp int64, actual any) bool {
	switch act := actual.(type) {
	case int64:
		return exp == act
	case int:
		return exp == int64(act)
	}
	return false
}

// AssertionContext holds what non-trace assertions read from.
type AssertionContext struct {
	Store   *store.Store
	Ctx     context.Context
	Machine *sim.Machine
}

// EvaluateAssertions runs every assertion against result and returns one
// message per failure, in assertion order.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	if actx == nil {
		actx = &AssertionContext{}
	}

	var failures []string
	for i, a := range assertions {
		if err := evaluate(i, a, result.Trace, actx); err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func evaluate(i int, a Assertion, trace []TraceEvent, actx *AssertionContext) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(trace, a)
	case AssertTraceCount:
		return assertTraceCount(trace, a)
	case AssertSimState:
		if actx.Machine == nil {
			return fmt.Errorf("assertion[%d]: sim_state requires a machine", i)
		}
		return assertSimState(actx.Machine, a)
	case AssertFinalState:
		if actx.Store == nil {
			return fmt.Errorf("assertion[%d]: final_state requires database context", i)
		}
		return assertFinalState(actx.Ctx, actx.Store, a)
	}
	return fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
}
