package usecase

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"classwatch/internal/shared/logger"
	"classwatch/internal/sync/domain/model"
)

// QueryMatcher decides whether an entity could belong to a cached query's
// result set, by compiling the query's filter map into a CEL program. The
// coordinator uses it to narrow created-event invalidation to queries the new
// entity could actually satisfy, instead of staling every entry of the kind.
type QueryMatcher struct {
	env      *cel.Env
	mu       sync.Mutex
	programs map[string]cel.Program
	log      logger.Logger
}

// NewQueryMatcher builds a matcher with a CEL environment exposing the entity
// as a dynamic map named after its collection role.
func NewQueryMatcher(log logger.Logger) (*QueryMatcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("entity", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &QueryMatcher{
		env:      env,
		programs: make(map[string]cel.Program),
		log:      log.WithComponent("query_matcher"),
	}, nil
}

// Matches reports whether the entity satisfies every filter of the query.
// A query with no filters matches everything of its kind. Filters naming
// fields the entity lacks do not match. On a compile or eval error the
// matcher answers true: over-invalidation is safe, a skipped refresh is not.
func (m *QueryMatcher) Matches(q model.QueryKey, e model.Entity) bool {
	if q.Kind != e.Kind() {
		return false
	}
	if len(q.Filters) == 0 {
		return true
	}

	prog, err := m.programFor(q)
	if err != nil {
		m.log.Warnf("filter compile failed for %s: %v", q.Canonical(), err)
		return true
	}

	fields, err := entityFields(e)
	if err != nil {
		m.log.Warnf("entity serialization failed: %v", err)
		return true
	}

	out, _, err := prog.Eval(map[string]interface{}{"entity": fields})
	if err != nil {
		// Typically a missing field; treat as non-matching is tempting, but a
		// filter on an optional field must not suppress the refresh.
		m.log.Debugf("filter eval failed for %s: %v", q.Canonical(), err)
		return true
	}

	matched, ok := out.Value().(bool)
	return !ok || matched
}

func (m *QueryMatcher) programFor(q model.QueryKey) (cel.Program, error) {
	expr := filterExpression(q.Filters)

	m.mu.Lock()
	defer m.mu.Unlock()

	if prog, ok := m.programs[expr]; ok {
		return prog, nil
	}

	ast, issues := m.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prog, err := m.env.Program(ast)
	if err != nil {
		return nil, err
	}
	m.programs[expr] = prog
	return prog, nil
}

// filterExpression renders a filter map as a conjunction of equality checks,
// e.g. {"severity":"critical","status":"new"} becomes
// `entity["severity"] == "critical" && entity["status"] == "new"`.
func filterExpression(filters map[string]string) string {
	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)

	terms := make([]string, 0, len(names))
	for _, name := range names {
		terms = append(terms, fmt.Sprintf("entity[%q] == %q", name, filters[name]))
	}
	return strings.Join(terms, " && ")
}

func entityFields(e model.Entity) (map[string]interface{}, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
