package runnable

import (
	"strings"
	"testing"
)

func TestSpecValidateMandatory(t *testing.T) {
	spec := Spec{
		"in":  {Type: TypeString, Mandatory: true},
		"opt": {Type: TypeNumber},
	}

	if err := spec.Validate(map[string]any{"in": "hello"}); err != nil {
		t.Fatalf("valid inputs rejected: %v", err)
	}

	err := spec.Validate(map[string]any{"opt": 1.5})
	if err == nil {
		t.Fatal("expected error for missing mandatory input")
	}
	if !strings.Contains(err.Error(), "in") {
		t.Errorf("error should name the missing port, got %v", err)
	}
}

func TestSpecValidateUnknownPort(t *testing.T) {
	spec := Spec{"in": {Type: TypeString}}
	if err := spec.Validate(map[string]any{"bogus": 1}); err == nil {
		t.Fatal("expected error for unknown port")
	}
}

func TestSpecMandatoryWithDefaultIsSatisfied(t *testing.T) {
	spec := Spec{"n": {Type: TypeNumber, Mandatory: true, Default: 3}}
	if err := spec.Validate(spec.ApplyDefaults(nil)); err != nil {
		t.Fatalf("default should satisfy mandatory port: %v", err)
	}
}

func TestSpecTypeChecks(t *testing.T) {
	cases := []struct {
		name  string
		port  *Port
		value any
		ok    bool
	}{
		{"string ok", &Port{Type: TypeString}, "x", true},
		{"string bad", &Port{Type: TypeString}, 1, false},
		{"number int", &Port{Type: TypeNumber}, 42, true},
		{"number float", &Port{Type: TypeNumber}, 4.2, true},
		{"number bad", &Port{Type: TypeNumber}, "4", false},
		{"bool ok", &Port{Type: TypeBool}, true, true},
		{"list ok", &Port{Type: TypeList}, []any{1, 2}, true},
		{"list typed", &Port{Type: TypeList}, []string{"a"}, true},
		{"list bad", &Port{Type: TypeList}, "ab", false},
		{"map ok", &Port{Type: TypeMap}, map[string]any{"k": 1}, true},
		{"any", &Port{Type: TypeAny}, struct{}{}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := Spec{"p": tc.port}
			err := spec.Validate(map[string]any{"p": tc.value})
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected a type error")
			}
		})
	}
}

func TestSpecRules(t *testing.T) {
	spec := Spec{
		"name":  {Type: TypeString, Validation: &Rules{MinLength: intPtr(2), MaxLength: intPtr(4)}},
		"count": {Type: TypeNumber, Validation: &Rules{Minimum: floatPtr(0), Maximum: floatPtr(10)}},
		"mode":  {Type: TypeString, Validation: &Rules{Enum: []string{"fast", "slow"}}},
	}

	if err := spec.Validate(map[string]any{"name": "abc", "count": 5, "mode": "fast"}); err != nil {
		t.Fatalf("valid inputs rejected: %v", err)
	}
	if err := spec.Validate(map[string]any{"name": "a"}); err == nil {
		t.Error("expected minLength violation")
	}
	if err := spec.Validate(map[string]any{"count": 11}); err == nil {
		t.Error("expected max violation")
	}
	if err := spec.Validate(map[string]any{"mode": "medium"}); err == nil {
		t.Error("expected enum violation")
	}
}

func TestApplyDefaultsDoesNotMutate(t *testing.T) {
	spec := Spec{
		"a": {Type: TypeNumber, Default: 1},
		"b": {Type: TypeNumber},
	}
	bound := map[string]any{"b": 2}
	out := spec.ApplyDefaults(bound)

	if out["a"] != 1 || out["b"] != 2 {
		t.Errorf("unexpected defaults result: %v", out)
	}
	if _, ok := bound["a"]; ok {
		t.Error("ApplyDefaults mutated its argument")
	}
}

func TestSpecNamesSorted(t *testing.T) {
	spec := Spec{"z": {Type: TypeAny}, "a": {Type: TypeAny}, "m": {Type: TypeAny}}
	names := spec.Names()
	want := []string{"a", "m", "z"}
	for i, n := range names {
		if n != want[i] {
			t.Fatalf("names not sorted: %v", names)
		}
	}
}

func intPtr(i int) *int           { return &i }
func floatPtr(f float64) *float64 { return &f }
