package rbac

import (
	"encoding/json"
	"strings"
)

// NormalizeBool converts a stored permission value to a boolean. Accepted
// forms are JSON booleans, the numbers 0 and 1, and the strings "true",
// "false", "1" and "0" (case-insensitive). ok is false for anything else,
// which callers treat as "no answer" rather than a denial.
func NormalizeBool(v interface{}) (value bool, ok bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case float64:
		return normalizeNumber(t)
	case int:
		return normalizeNumber(float64(t))
	case int64:
		return normalizeNumber(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return false, false
		}
		return normalizeNumber(f)
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1":
			return true, true
		case "false", "0":
			return false, true
		}
	}
	return false, false
}

func normalizeNumber(f float64) (bool, bool) {
	switch f {
	case 1:
		return true, true
	case 0:
		return false, true
	}
	return false, false
}

// normalizeStringList converts an attribute value to a list of non-blank
// strings. A comma-separated string is split.
func normalizeStringList(v interface{}) ([]string, bool) {
	var raw []string
	switch t := v.(type) {
	case []string:
		raw = t
	case []interface{}:
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			raw = append(raw, s)
		}
	case string:
		raw = strings.Split(t, ",")
	default:
		return nil, false
	}

	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, true
}

// grants is a normalized resource → action document. Boolean actions and
// list attributes are kept apart so call sites never coerce values.
type grants struct {
	flags map[Resource]map[Action]bool
	lists map[Resource]map[Action][]string
}

func (g grants) flag(resource Resource, action Action) (bool, bool) {
	v, ok := g.flags[resource][action]
	return v, ok
}

func (g grants) list(resource Resource, action Action) ([]string, bool) {
	v, ok := g.lists[resource][action]
	return v, ok
}

// normalizeGrants is the single ingestion point for both the role matrix and
// per-user overrides. Values that are neither booleans nor string lists are
// dropped.
func normalizeGrants(doc map[string]map[string]interface{}) grants {
	g := grants{
		flags: make(map[Resource]map[Action]bool),
		lists: make(map[Resource]map[Action][]string),
	}
	for resource, actions := range doc {
		r := Resource(resource)
		for action, value := range actions {
			a := Action(action)
			if b, ok := NormalizeBool(value); ok {
				if g.flags[r] == nil {
					g.flags[r] = make(map[Action]bool)
				}
				g.flags[r][a] = b
				continue
			}
			if l, ok := normalizeStringList(value); ok {
				if g.lists[r] == nil {
					g.lists[r] = make(map[Action][]string)
				}
				g.lists[r][a] = l
			}
		}
	}
	return g
}
