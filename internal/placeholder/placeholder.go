// Package placeholder implements the Placeholder Resolver (C6): recursive
// `{{field}}` / `{{name.field}}` substitution into planned-call arguments,
// grounded on the teacher's runtime/mcp.CoerceQuery-style "walk every string
// leaf of an arbitrary JSON-like value" helpers.
package placeholder

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/brightfunnel/reachctl/internal/state"
	"github.com/brightfunnel/reachctl/internal/telemetry"
	"github.com/brightfunnel/reachctl/internal/toolerrors"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)(?:\.([A-Za-z0-9_]+))?\s*\}\}`)

var dirtyValueRe = regexp.MustCompile(`^(\d+)\s*-\s*.+$`)

var sqlKeywordRe = regexp.MustCompile(`(?i)\b(SELECT|FROM|WHERE|INSERT|UPDATE)\b`)

// Resolver resolves placeholders against a Session State and the current
// iteration item of a fan-out loop.
type Resolver struct {
	logger telemetry.Logger
}

// New returns a Resolver that logs unresolved placeholders via logger.
func New(logger telemetry.Logger) *Resolver {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Resolver{logger: logger}
}

// Resolve walks value recursively, substituting every string leaf's
// placeholders. item is the current iteration item (may be nil when no
// fan-out is in progress); sets is the Session State's shared_result_sets.
func (r *Resolver) Resolve(value any, item state.Record, sets map[string][]state.Record) any {
	return r.resolve(value, item, sets, nil)
}

// ResolveArguments resolves every string leaf of a planned call's argument
// map, returning a new map.
func (r *Resolver) ResolveArguments(args map[string]any, item state.Record, sets map[string][]state.Record) map[string]any {
	out, _ := r.ResolveArgumentsDetailed(args, item, sets)
	return out
}

// ResolveArgumentsDetailed resolves args like ResolveArguments but also
// returns a toolerrors.FieldIssue per placeholder that could not be
// resolved, so a failed call's retry hint (spec.md §7's single-retry read
// policy, SUPPLEMENTED FEATURES "structured field issues") can name exactly
// which field was missing instead of a free-text message.
func (r *Resolver) ResolveArgumentsDetailed(args map[string]any, item state.Record, sets map[string][]state.Record) (map[string]any, []toolerrors.FieldIssue) {
	var issues []toolerrors.FieldIssue
	resolved := r.resolve(args, item, sets, &issues)
	out, _ := resolved.(map[string]any)
	if out == nil {
		out = make(map[string]any)
	}
	return out, issues
}

func (r *Resolver) resolve(value any, item state.Record, sets map[string][]state.Record, issues *[]toolerrors.FieldIssue) any {
	switch v := value.(type) {
	case string:
		return r.resolveString(v, item, sets, issues)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = r.resolve(elem, item, sets, issues)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = r.resolve(elem, item, sets, issues)
		}
		return out
	default:
		return v
	}
}

func (r *Resolver) resolveString(src string, item state.Record, sets map[string][]state.Record, issues *[]toolerrors.FieldIssue) string {
	isSQL := sqlKeywordRe.MatchString(src)

	return placeholderRe.ReplaceAllStringFunc(src, func(match string) string {
		groups := placeholderRe.FindStringSubmatch(match)
		field := groups[1]
		resultSetField := groups[2]

		if resultSetField != "" {
			// {{name.field}}
			val, ok := lookupResultSetField(sets, field, resultSetField)
			if !ok {
				r.logger.Warn(context.TODO(), "placeholder: unresolved result-set reference", "name", field, "field", resultSetField)
				recordIssue(issues, resultSetField, fmt.Sprintf("no record named %q in shared_result_sets", field))
				return match
			}
			return cleanDirtyValue(val)
		}

		// {{field}} — the current iteration item.
		if item == nil {
			r.logger.Warn(context.TODO(), "placeholder: no iteration item for bare field reference", "field", field)
			recordIssue(issues, field, "no iteration item is active")
			return match
		}
		raw, ok := item[field]
		if !ok {
			r.logger.Warn(context.TODO(), "placeholder: missing field on iteration item", "field", field)
			recordIssue(issues, field, "field not present on the iteration item")
			return match
		}
		cleaned := cleanDirtyValue(toString(raw))
		if isSQL {
			return "'" + strings.ReplaceAll(cleaned, "'", "''") + "'"
		}
		return cleaned
	})
}

func recordIssue(issues *[]toolerrors.FieldIssue, field, constraint string) {
	if issues == nil {
		return
	}
	*issues = append(*issues, toolerrors.FieldIssue{Field: field, Constraint: constraint})
}

// lookupResultSetField performs a case-insensitive lookup of the named
// result set and returns the given field from its first record.
func lookupResultSetField(sets map[string][]state.Record, name, field string) (string, bool) {
	lowered := strings.ToLower(name)
	for setName, rows := range sets {
		if strings.ToLower(setName) != lowered {
			continue
		}
		if len(rows) == 0 {
			return "", false
		}
		raw, ok := rows[0][field]
		if !ok {
			return "", false
		}
		return toString(raw), true
	}
	return "", false
}

// cleanDirtyValue normalizes a picklist-style value ("3 - Welcome") down to
// its leading id ("3"), per spec §4.6.
func cleanDirtyValue(v string) string {
	if m := dirtyValueRe.FindStringSubmatch(v); m != nil {
		return m[1]
	}
	return v
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
