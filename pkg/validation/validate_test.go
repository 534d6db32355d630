package validation

import (
	"errors"
	"strings"
	"testing"

	"personadb/pkg/apperr"
)

func TestValidateAlias(t *testing.T) {
	cases := []struct {
		alias string
		ok    bool
	}{
		{"night_owl_42", true},
		{"ab", true},
		{"A-b_9", true},
		{strings.Repeat("x", 50), true},
		{"a", false},
		{strings.Repeat("x", 51), false},
		{"has space", false},
		{"emoji🦉", false},
		{"", false},
	}
	for _, c := range cases {
		err := ValidateAlias(c.alias)
		if c.ok && err != nil {
			t.Errorf("alias %q: unexpected error %v", c.alias, err)
		}
		if !c.ok {
			if err == nil {
				t.Errorf("alias %q: expected error", c.alias)
				continue
			}
			var ae *apperr.Error
			if !errors.As(err, &ae) || ae.Code != apperr.CodeValidationFailed {
				t.Errorf("alias %q: expected validation_failed, got %v", c.alias, err)
			}
		}
	}
}

func TestNormalizeAlias(t *testing.T) {
	if got := NormalizeAlias("  Night_Owl_42 "); got != "night_owl_42" {
		t.Fatalf("got %q", got)
	}
}

func TestValidateBulkSize(t *testing.T) {
	if err := ValidateBulkSize(10); err != nil {
		t.Fatalf("10 items should pass: %v", err)
	}
	if err := ValidateBulkSize(11); err == nil {
		t.Fatal("11 items should fail")
	}
	if err := ValidateBulkSize(0); err == nil {
		t.Fatal("empty bulk should fail")
	}
}
