package command

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"agentbase/internal/domain"
)

// NormalizeTags lower-cases, trims and de-duplicates tags, keeping the
// first occurrence order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// TagsEqual compares two tag sets case-insensitively, ignoring order and
// duplicates.
func TagsEqual(a, b []string) bool {
	na, nb := NormalizeTags(a), NormalizeTags(b)
	if len(na) != len(nb) {
		return false
	}
	sort.Strings(na)
	sort.Strings(nb)
	return slices.Equal(na, nb)
}

// TagsFromValue reads a stored or submitted tag value.
func TagsFromValue(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("tags must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("tags must be an array of strings, got %T", v)
	}
}

// normalized is the outcome of static field normalization.
type normalized struct {
	fields   map[string]any
	stripped []string
	// assignee holds the raw assignee_id when one was submitted.
	assignee    *string
	hasAssignee bool
}

// normalizeFields strips fields that do not apply to kind and validates the
// rest. Assignee ids are returned separately for roster resolution.
func normalizeFields(kind domain.EntityKind, in map[string]any, create bool) (normalized, error) {
	schema, ok := schemas[kind]
	if !ok || len(schema.fields) == 0 {
		return normalized{}, domain.Invalid("table", "%s does not accept field writes", kind)
	}
	out := normalized{fields: make(map[string]any, len(in))}
	for key, v := range in {
		spec, ok := schema.fields[key]
		if !ok {
			out.stripped = append(out.stripped, key)
			continue
		}
		switch spec.typ {
		case assigneeField:
			if key == fieldAssigneeType {
				// The kind is always derived from the roster.
				out.stripped = append(out.stripped, key)
				continue
			}
			out.hasAssignee = true
			if v == nil {
				continue
			}
			s, ok := v.(string)
			if !ok {
				return normalized{}, domain.Invalid(key, "must be a string or null")
			}
			out.assignee = &s
		case tagsField:
			tags, err := TagsFromValue(v)
			if err != nil {
				return normalized{}, domain.Invalid(key, "%s", err.Error())
			}
			out.fields[key] = NormalizeTags(tags)
		default:
			nv, err := checkField(key, spec, v)
			if err != nil {
				return normalized{}, err
			}
			out.fields[key] = nv
		}
	}
	sort.Strings(out.stripped)

	label := schema.label
	if v, ok := out.fields[label]; ok {
		if s, _ := v.(string); strings.TrimSpace(s) == "" {
			return normalized{}, domain.Invalid(label, "must not be empty")
		}
	}
	// An update left with no fields still reaches the store, which treats
	// it as a no-op and returns the rows unchanged.
	if create {
		for _, req := range schema.required {
			if _, ok := out.fields[req]; !ok {
				return normalized{}, domain.Invalid(req, "is required")
			}
		}
	}
	return out, nil
}

func checkField(key string, spec fieldSpec, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch spec.typ {
	case textField:
		s, ok := v.(string)
		if !ok {
			return nil, domain.Invalid(key, "must be a string")
		}
		return strings.TrimSpace(s), nil
	case numberField:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, domain.Invalid(key, "must be a number")
			}
			return f, nil
		default:
			return nil, domain.Invalid(key, "must be a number")
		}
	case dateField:
		s, ok := v.(string)
		if !ok {
			return nil, domain.Invalid(key, "must be an ISO date or null")
		}
		d, err := parseDate(s)
		if err != nil {
			return nil, domain.Invalid(key, "must be an ISO date or null")
		}
		return d, nil
	case enumField:
		s, ok := v.(string)
		if !ok || !slices.Contains(spec.values, s) {
			return nil, domain.Invalid(key, "must be one of %s", strings.Join(spec.values, ", "))
		}
		return s, nil
	}
	return v, nil
}

// parseDate accepts YYYY-MM-DD or an RFC 3339 timestamp and stores the
// calendar date.
func parseDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.Format(time.DateOnly), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return "", err
	}
	return t.Format(time.DateOnly), nil
}
