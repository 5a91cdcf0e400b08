package rules

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Operator identifies a filter predicate
type Operator string

// Supported filter operators
const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpExists   Operator = "exists"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
)

// Filter is a single predicate over an event payload
type Filter struct {
	Path     string      `json:"path"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
}

// Action describes one notification to produce when a rule matches
type Action struct {
	Channel       string `json:"channel"`
	RecipientPath string `json:"recipient_path"`
	TemplateKey   string `json:"template_key"`
	DelaySeconds  int    `json:"delay_seconds"`
}

// DecodeFilters parses the stored JSON representation of a rule's filters
func DecodeFilters(raw []byte) ([]Filter, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var filters []Filter
	if err := json.Unmarshal(raw, &filters); err != nil {
		return nil, errors.Wrap(err, "failed to decode rule filters")
	}
	return filters, nil
}

// DecodeActions parses the stored JSON representation of a rule's actions
func DecodeActions(raw []byte) ([]Action, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var actions []Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, errors.Wrap(err, "failed to decode rule actions")
	}
	return actions, nil
}

// Lookup resolves a dot-notated path against a decoded payload tree.
// Numeric segments index into arrays. The second return value is false
// when the path does not resolve.
func Lookup(payload map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}

	var current interface{} = payload
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			value, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = value
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}

	return current, true
}

// Evaluate applies all filters as a logical AND over the payload.
// A malformed filter (unknown operator) returns an error so the caller
// can skip the rule; a filter that simply does not match returns false.
func Evaluate(filters []Filter, payload map[string]interface{}) (bool, error) {
	for _, filter := range filters {
		ok, err := evaluateFilter(filter, payload)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evaluateFilter(filter Filter, payload map[string]interface{}) (bool, error) {
	value, found := Lookup(payload, filter.Path)

	switch filter.Operator {
	case OpEq:
		// A nil literal acts as the "absent" sentinel: eq matches when
		// the path does not resolve or resolves to null.
		if filter.Value == nil {
			return !found || value == nil, nil
		}
		if !found {
			return false, nil
		}
		return looseEqual(value, filter.Value), nil

	case OpNeq:
		if filter.Value == nil {
			return found && value != nil, nil
		}
		if !found {
			return true, nil
		}
		return !looseEqual(value, filter.Value), nil

	case OpExists:
		return found && value != nil, nil

	case OpGte:
		left, lok := toNumber(value)
		right, rok := toNumber(filter.Value)
		if !found || !lok || !rok {
			return false, nil
		}
		return left >= right, nil

	case OpLte:
		left, lok := toNumber(value)
		right, rok := toNumber(filter.Value)
		if !found || !lok || !rok {
			return false, nil
		}
		return left <= right, nil

	case OpContains:
		if !found {
			return false, nil
		}
		return contains(value, filter.Value), nil

	default:
		return false, errors.Errorf("unknown filter operator: %q", filter.Operator)
	}
}

// looseEqual compares payload and literal values, treating all numeric
// representations as equivalent (JSON decoding yields float64).
func looseEqual(a, b interface{}) bool {
	if an, aok := toNumber(a); aok {
		if bn, bok := toNumber(b); bok {
			return an == bn
		}
		return false
	}
	return a == b
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// contains covers both substring tests on strings and membership tests
// on arrays.
func contains(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		if !ok {
			return false
		}
		return strings.Contains(h, n)
	case []interface{}:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
