// Package placeholder substitutes ${namespace.key} references in blueprint
// values before a run is enqueued.
//
// Supported namespaces are params, scope, env and runtime. References in the
// runner namespace are left untouched so the runner can resolve them against
// its own identity at execution time, and so is any reference that cannot be
// resolved. Resolution never fails and never mutates its input.
package placeholder

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\.([^}]+)\}`)

// Context carries the values each namespace resolves against.
type Context struct {
	Params  map[string]any
	Scope   map[string]any
	Env     func(string) (string, bool)
	Runtime Runtime
}

// Runtime holds the identifiers generated just before resolution.
type Runtime struct {
	SessionID string
	RunID     string
}

// ResolveMap returns a deep copy of the input with every resolvable
// placeholder substituted.
func ResolveMap(in map[string]any, rc Context) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = resolveValue(v, rc)
	}
	return out
}

// ResolveString substitutes placeholders in a single string.
func ResolveString(s string, rc Context) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		namespace, key := groups[1], groups[2]
		if resolved, ok := lookup(namespace, key, rc); ok {
			return resolved
		}
		return match
	})
}

func resolveValue(v any, rc Context) any {
	switch val := v.(type) {
	case string:
		return ResolveString(val, rc)
	case map[string]any:
		return ResolveMap(val, rc)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, rc)
		}
		return out
	default:
		return v
	}
}

func lookup(namespace, key string, rc Context) (string, bool) {
	switch namespace {
	case "params":
		return lookupMap(rc.Params, key)
	case "scope":
		return lookupMap(rc.Scope, key)
	case "env":
		if rc.Env == nil {
			return "", false
		}
		return rc.Env(key)
	case "runtime":
		switch key {
		case "session_id":
			return rc.Runtime.SessionID, rc.Runtime.SessionID != ""
		case "run_id":
			return rc.Runtime.RunID, rc.Runtime.RunID != ""
		}
		return "", false
	default:
		// Unknown namespaces, including runner, pass through.
		return "", false
	}
}

// lookupMap supports dotted paths into nested objects, e.g. scope.tenant.id.
func lookupMap(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	parts := strings.Split(key, ".")
	var current any = m
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = obj[part]
		if !ok {
			return "", false
		}
	}
	return stringify(current)
}

func stringify(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return fmt.Sprintf("%t", val), true
	case float64:
		// JSON numbers decode as float64; render integers without a decimal.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val)), true
		}
		return fmt.Sprintf("%g", val), true
	case int:
		return fmt.Sprintf("%d", val), true
	case int64:
		return fmt.Sprintf("%d", val), true
	case nil:
		return "", false
	default:
		return "", false
	}
}
