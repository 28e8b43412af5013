// Package transform provides pure value transforms that edges may apply to a
// value in transit between two ports. A transform must be deterministic and
// side-effect free; the digest of a downstream node is computed over the
// transformed value.
package transform

import (
	"fmt"
	stdstrings "strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Func is a pure transform applied to an edge value.
type Func func(value any) (any, error)

// Identity returns the value unchanged.
func Identity(value any) (any, error) { return value, nil }

// ToUpper upper-cases a string value.
func ToUpper(value any) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	return stdstrings.ToUpper(s), nil
}

// ToLower lower-cases a string value.
func ToLower(value any) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	return stdstrings.ToLower(s), nil
}

// TitleCase capitalizes each word using Unicode-aware rules.
func TitleCase(value any) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	return cases.Title(language.Und).String(s), nil
}

// TrimSpace trims surrounding whitespace from a string value.
func TrimSpace(value any) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	return stdstrings.TrimSpace(s), nil
}

// Prefix returns a transform that prepends the given prefix.
func Prefix(prefix string) Func {
	return func(value any) (any, error) {
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		return prefix + s, nil
	}
}

// Each lifts a transform over a list value, applying it element-wise.
func Each(fn Func) Func {
	return func(value any) (any, error) {
		items, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("transform.Each: expected list, got %T", value)
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := fn(item)
			if err != nil {
				return nil, fmt.Errorf("transform.Each: item %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	}
}

// Chain composes transforms left to right.
func Chain(fns ...Func) Func {
	return func(value any) (any, error) {
		var err error
		for _, fn := range fns {
			value, err = fn(value)
			if err != nil {
				return nil, err
			}
		}
		return value, nil
	}
}

func asString(value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", value)
	}
	return s, nil
}
