package substitution

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrUnresolvedReference is returned when a "${task_id.path}"
// reference names a task id with no recorded result, or a path that
// does not exist within that result.
var ErrUnresolvedReference = errors.New("unresolved reference")

// referencePattern matches "${<task_id>.<path>}", where path is a
// dot-separated walk through a result tree: map keys, bare integer
// segments addressing a list index (e.g. "items.0.name"), and
// bracketed list indices appended to a key (e.g. "items[0].name") are
// all accepted.
var referencePattern = regexp.MustCompile(`\$\{([0-9a-fA-F-]{36})\.([a-zA-Z0-9_.\[\]]+)\}`)

// Resolve returns a copy of params with every "${task_id.path}"
// reference replaced by the corresponding value from results, keyed
// by dependency task id. Maps and slices are traversed recursively;
// all other value types pass through unchanged.
func Resolve(params map[string]any, results map[uuid.UUID]map[string]any) (map[string]any, error) {
	out, err := resolveValue(params, results)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func resolveValue(v any, results map[uuid.UUID]map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(val, results)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			resolved, err := resolveValue(elem, results)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			resolved, err := resolveValue(elem, results)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveString implements the whole-value-vs-substring rule: a
// string that is in its entirety a single reference is replaced by
// the referenced value's native type; a string containing a reference
// alongside other text has the reference stringified and substituted.
func resolveString(s string, results map[uuid.UUID]map[string]any) (any, error) {
	matches := referencePattern.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s, nil
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return lookupReference(s[matches[0][2]:matches[0][3]], s[matches[0][4]:matches[0][5]], results)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		taskIdStr, path := s[m[2]:m[3]], s[m[4]:m[5]]
		val, err := lookupReference(taskIdStr, path, results)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func lookupReference(taskIdStr, path string, results map[uuid.UUID]map[string]any) (any, error) {
	taskId, err := uuid.Parse(taskIdStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid task id %q", ErrUnresolvedReference, taskIdStr)
	}
	result, ok := results[taskId]
	if !ok {
		return nil, fmt.Errorf("%w: no result recorded for task %s", ErrUnresolvedReference, taskIdStr)
	}
	return walkPath(result, path)
}

func walkPath(result map[string]any, path string) (any, error) {
	var cur any = result
	for _, segment := range strings.Split(path, ".") {
		key, indices, err := splitIndices(segment)
		if err != nil {
			return nil, err
		}
		if len(indices) == 0 {
			if idx, err := strconv.Atoi(key); err == nil {
				if list, ok := cur.([]any); ok {
					if idx < 0 || idx >= len(list) {
						return nil, fmt.Errorf("%w: index %d out of range", ErrUnresolvedReference, idx)
					}
					cur = list[idx]
					continue
				}
			}
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: path segment %q is not addressable", ErrUnresolvedReference, key)
		}
		next, ok := m[key]
		if !ok {
			return nil, fmt.Errorf("%w: key %q not found", ErrUnresolvedReference, key)
		}
		cur = next
		for _, idx := range indices {
			list, ok := cur.([]any)
			if !ok || idx < 0 || idx >= len(list) {
				return nil, fmt.Errorf("%w: index %d out of range at %q", ErrUnresolvedReference, idx, key)
			}
			cur = list[idx]
		}
	}
	return cur, nil
}

// splitIndices splits a path segment like "items[0][1]" into its bare
// key "items" and the ordered list of bracketed indices.
func splitIndices(segment string) (string, []int, error) {
	open := strings.IndexByte(segment, '[')
	if open < 0 {
		return segment, nil, nil
	}
	key := segment[:open]
	rest := segment[open:]
	var indices []int
	for len(rest) > 0 {
		if rest[0] != '[' {
			return "", nil, fmt.Errorf("%w: malformed index in %q", ErrUnresolvedReference, segment)
		}
		close := strings.IndexByte(rest, ']')
		if close < 0 {
			return "", nil, fmt.Errorf("%w: unterminated index in %q", ErrUnresolvedReference, segment)
		}
		idx, err := strconv.Atoi(rest[1:close])
		if err != nil {
			return "", nil, fmt.Errorf("%w: non-numeric index in %q", ErrUnresolvedReference, segment)
		}
		indices = append(indices, idx)
		rest = rest[close+1:]
	}
	return key, indices, nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// References returns the set of distinct task ids referenced anywhere
// within params, used by package resolver to derive implicit
// dependencies from substitution references.
func References(params map[string]any) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	collectReferences(params, seen)
	out := make([]uuid.UUID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

func collectReferences(v any, seen map[uuid.UUID]struct{}) {
	switch val := v.(type) {
	case string:
		for _, m := range referencePattern.FindAllStringSubmatch(val, -1) {
			if id, err := uuid.Parse(m[1]); err == nil {
				seen[id] = struct{}{}
			}
		}
	case map[string]any:
		for _, elem := range val {
			collectReferences(elem, seen)
		}
	case []any:
		for _, elem := range val {
			collectReferences(elem, seen)
		}
	}
}
