// Package filter evaluates webhook filter conditions against event payloads.
//
// Evaluation is pure: no side effects beyond an internal cache of compiled
// regular expressions.
package filter

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/hookwire/hookwire/internal/domain"
)

var regexCache sync.Map // pattern -> *regexp.Regexp

// Matches reports whether the payload passes the webhook's filter
// configuration. With filtering disabled (or no conditions) every payload
// matches; otherwise all conditions must hold. A condition whose field path
// is absent from the payload evaluates to false, not an error.
func Matches(cfg domain.FilterConfig, payload json.RawMessage) bool {
	if !cfg.Enabled || len(cfg.Conditions) == 0 {
		return true
	}

	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		// Non-object payloads have no addressable fields.
		return false
	}

	for _, cond := range cfg.Conditions {
		value, ok := lookup(doc, cond.Field)
		if !ok {
			return false
		}
		if !apply(cond.Operator, coerceString(value), cond.Value) {
			return false
		}
	}
	return true
}

// lookup walks a dotted path ("order.customer.tier") through nested JSON
// objects.
func lookup(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// coerceString renders a JSON scalar the way a receiver would write it:
// integers without a decimal point, booleans as true/false.
func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return "null"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func apply(op domain.FilterOperator, field, value string) bool {
	switch op {
	case domain.FilterOperatorEquals:
		return field == value
	case domain.FilterOperatorContains:
		return strings.Contains(field, value)
	case domain.FilterOperatorStartsWith:
		return strings.HasPrefix(field, value)
	case domain.FilterOperatorEndsWith:
		return strings.HasSuffix(field, value)
	case domain.FilterOperatorRegex:
		re, err := compile(value)
		if err != nil {
			return false
		}
		return re.MatchString(field)
	default:
		return false
	}
}

func compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}
