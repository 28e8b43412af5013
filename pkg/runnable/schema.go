package runnable

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/hash"
)

// Type represents the data type of a port.
type Type string

// Supported port types.
const (
	TypeString Type = "STRING"
	TypeNumber Type = "NUMBER"
	TypeBool   Type = "BOOLEAN"
	TypeList   Type = "LIST"
	TypeMap    Type = "MAP"
	TypeFile   Type = "FILE"
	TypeAny    Type = "ANY"
)

// Rules contains validation rules for a port value.
type Rules struct {
	// String validations
	MinLength *int     `json:"minLength,omitempty"`
	MaxLength *int     `json:"maxLength,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
	Enum      []string `json:"enum,omitempty"`

	// Number validations
	Minimum *float64 `json:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty"`

	// List validations
	MinItems *int `json:"minItems,omitempty"`
	MaxItems *int `json:"maxItems,omitempty"`
}

// Port describes one named input or output of a Runnable.
type Port struct {
	Type        Type   `json:"type"`
	Mandatory   bool   `json:"mandatory,omitempty"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
	Validation  *Rules `json:"validation,omitempty"`
}

// Spec maps port names to their declarations. It is the typed schema
// consulted at resolve time; the engine never inspects a runnable beyond it.
type Spec map[string]*Port

// Names returns the port names in sorted order.
func (s Spec) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the spec declares the named port.
func (s Spec) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// ApplyDefaults returns inputs with declared defaults filled in for ports
// that are absent. The input map is not mutated.
func (s Spec) ApplyDefaults(inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	for name, port := range s {
		if _, ok := out[name]; !ok && port.Default != nil {
			out[name] = port.Default
		}
	}
	return out
}

// Validate checks bound inputs against the spec: unknown ports, mandatory
// ports left unbound with no default, type mismatches, and rule violations.
func (s Spec) Validate(inputs map[string]any) error {
	var problems []string

	for name := range inputs {
		if !s.Has(name) {
			problems = append(problems, fmt.Sprintf("unknown input port %q", name))
		}
	}

	for _, name := range s.Names() {
		port := s[name]
		value, bound := inputs[name]
		if !bound {
			if port.Mandatory && port.Default == nil {
				problems = append(problems, fmt.Sprintf("mandatory input %q is unbound and has no default", name))
			}
			continue
		}
		if err := port.check(name, value); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return errors.Validation(strings.Join(problems, "; "))
	}
	return nil
}

func (p *Port) check(name string, value any) error {
	if value == nil {
		return nil
	}
	if err := p.checkType(name, value); err != nil {
		return err
	}
	return p.checkRules(name, value)
}

func (p *Port) checkType(name string, value any) error {
	switch p.Type {
	case TypeAny, "":
		return nil
	case TypeString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("input %q: expected string, got %T", name, value)
		}
	case TypeNumber:
		if !isNumeric(value) {
			return fmt.Errorf("input %q: expected number, got %T", name, value)
		}
	case TypeBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("input %q: expected boolean, got %T", name, value)
		}
	case TypeList:
		if !IsList(value) {
			return fmt.Errorf("input %q: expected list, got %T", name, value)
		}
	case TypeMap:
		if reflect.ValueOf(value).Kind() != reflect.Map {
			return fmt.Errorf("input %q: expected map, got %T", name, value)
		}
	case TypeFile:
		switch value.(type) {
		case hash.FileRef, string:
		default:
			return fmt.Errorf("input %q: expected file reference, got %T", name, value)
		}
	default:
		return fmt.Errorf("input %q: unknown port type %q", name, p.Type)
	}
	return nil
}

func (p *Port) checkRules(name string, value any) error {
	r := p.Validation
	if r == nil {
		return nil
	}

	if s, ok := value.(string); ok {
		if r.MinLength != nil && len(s) < *r.MinLength {
			return fmt.Errorf("input %q: shorter than minLength %d", name, *r.MinLength)
		}
		if r.MaxLength != nil && len(s) > *r.MaxLength {
			return fmt.Errorf("input %q: longer than maxLength %d", name, *r.MaxLength)
		}
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return fmt.Errorf("input %q: invalid pattern %q: %v", name, r.Pattern, err)
			}
			if !re.MatchString(s) {
				return fmt.Errorf("input %q: value does not match pattern %q", name, r.Pattern)
			}
		}
		if len(r.Enum) > 0 {
			found := false
			for _, allowed := range r.Enum {
				if s == allowed {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("input %q: value %q not in enum %v", name, s, r.Enum)
			}
		}
	}

	if f, ok := asFloat(value); ok {
		if r.Minimum != nil && f < *r.Minimum {
			return fmt.Errorf("input %q: below minimum %v", name, *r.Minimum)
		}
		if r.Maximum != nil && f > *r.Maximum {
			return fmt.Errorf("input %q: above maximum %v", name, *r.Maximum)
		}
	}

	if IsList(value) {
		n := ListLen(value)
		if r.MinItems != nil && n < *r.MinItems {
			return fmt.Errorf("input %q: fewer than minItems %d", name, *r.MinItems)
		}
		if r.MaxItems != nil && n > *r.MaxItems {
			return fmt.Errorf("input %q: more than maxItems %d", name, *r.MaxItems)
		}
	}

	return nil
}

// IsList reports whether value is a slice or array (but not a string).
func IsList(value any) bool {
	if value == nil {
		return false
	}
	k := reflect.ValueOf(value).Kind()
	return k == reflect.Slice || k == reflect.Array
}

// ListLen returns the length of a list value, or 0 when value is not a list.
func ListLen(value any) int {
	if !IsList(value) {
		return 0
	}
	return reflect.ValueOf(value).Len()
}

// ListElems returns the elements of a list value as []any.
func ListElems(value any) []any {
	if !IsList(value) {
		return nil
	}
	rv := reflect.ValueOf(value)
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func isNumeric(value any) bool {
	switch value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
