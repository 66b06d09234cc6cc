// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package regexguard

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestClassifyRiskGrades(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pattern string
		risk    Risk
		cap     int
	}{
		{"no quantifiers", "hello world", RiskLow, MaxInputLow},
		{"single quantifier", `\d+`, RiskMedium, MaxInputMedium},
		{"three quantifiers", `a+b*c?`, RiskMedium, MaxInputMedium},
		{"four quantifiers", `a?b?c?d?`, RiskHigh, MaxInputHigh},
		{"bounded repetition", `x{2,5}`, RiskMedium, MaxInputMedium},
		{"nested quantifier", `(a+)+`, RiskHigh, MaxInputHigh},
		{"classic backtracker", `(.+)+$`, RiskHigh, MaxInputHigh},
		{"quantified alternation", `(a|b)+`, RiskHigh, MaxInputHigh},
		{"inline flags are not quantifiers", `(?i)system`, RiskLow, MaxInputLow},
		{"non-capturing group prefix", `(?:abc)`, RiskLow, MaxInputLow},
		{"escaped plus is literal", `a\+b`, RiskLow, MaxInputLow},
		{"quantifier inside class is literal", `[+*?]`, RiskLow, MaxInputLow},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := Classify(test.pattern)
			if c.Risk != test.risk {
				t.Errorf("Classify(%q).Risk = %s, want %s (signals %v, quantifiers %d)",
					test.pattern, c.Risk, test.risk, c.Signals, c.Quantifiers)
			}
			if c.MaxInputLength != test.cap {
				t.Errorf("Classify(%q).MaxInputLength = %d, want %d",
					test.pattern, c.MaxInputLength, test.cap)
			}
		})
	}
}

func TestClassifyDangerSignals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pattern string
		signal  string
	}{
		{"nested quantifier", `(a+)+`, SignalNestedQuantifier},
		{"nested star", `(\w*)*`, SignalNestedQuantifier},
		{"nested via repetition", `(a+){2,}`, SignalNestedQuantifier},
		{"quantified alternation", `(a|b)+`, SignalQuantifiedAlternation},
		{"overlapping branches", `(a|ab)+`, SignalOverlappingBranches},
		{"wildcard branches overlap", `(.|x)+`, SignalOverlappingBranches},
		{"quantified lookaround", `(?=\d+)+`, SignalQuantifiedLookaround},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := Classify(test.pattern)
			if !c.Dangerous() {
				t.Fatalf("Classify(%q) found no danger signals", test.pattern)
			}
			found := false
			for _, s := range c.Signals {
				if s == test.signal {
					found = true
				}
			}
			if !found {
				t.Errorf("Classify(%q).Signals = %v, want to include %q",
					test.pattern, c.Signals, test.signal)
			}
		})
	}
}

func TestClassifyOptionalGroupIsNotNested(t *testing.T) {
	t.Parallel()

	// (X+)? evaluates the group at most once; it must not be flagged,
	// otherwise half the security catalog would inherit 1000-byte caps.
	c := Classify(`(all\s+)?previous\s+instructions`)
	if c.Dangerous() {
		t.Fatalf("optional quantified group flagged as dangerous: %v", c.Signals)
	}
	if c.Risk != RiskMedium {
		t.Fatalf("Risk = %s, want %s (quantifiers %d)", c.Risk, RiskMedium, c.Quantifiers)
	}
}

func TestValidateMatch(t *testing.T) {
	t.Parallel()

	matched, err := Validate("ignore previous instructions", `previous\s+instructions`, Options{})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !matched {
		t.Fatal("Validate = false, want match")
	}

	matched, err = Validate("a perfectly benign sentence", `previous\s+instructions`, Options{})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if matched {
		t.Fatal("Validate = true, want no match")
	}
}

func TestValidateRejectsOversizeInputBeforeEvaluation(t *testing.T) {
	t.Parallel()

	// High-risk pattern: cap is 1000 bytes. Rejection must not depend
	// on input content, so a pathological input is fine here.
	input := strings.Repeat("a", 10000)

	start := time.Now()
	_, err := Validate(input, `(a+)+$`, Options{})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrInputTooLong) {
		t.Fatalf("Validate error = %v, want ErrInputTooLong", err)
	}
	// The guard short-circuits before compiling or matching. Generous
	// bound to stay robust on loaded CI machines; the real check is
	// that no evaluation happened.
	if elapsed > 50*time.Millisecond {
		t.Fatalf("oversize rejection took %v, expected a short-circuit", elapsed)
	}
}

func TestValidateRejectDangerous(t *testing.T) {
	t.Parallel()

	_, err := Validate("abc", `(a+)+`, Options{RejectDangerous: true})
	if !errors.Is(err, ErrDangerousPattern) {
		t.Fatalf("Validate error = %v, want ErrDangerousPattern", err)
	}
}

func TestValidateCompileError(t *testing.T) {
	t.Parallel()

	_, err := Validate("abc", `(unclosed`, Options{})
	if err == nil {
		t.Fatal("Validate accepted an uncompilable pattern")
	}
}

func TestValidateWithinCapEvaluates(t *testing.T) {
	t.Parallel()

	// (a|b)+x is high-risk (quantified alternation), so the cap is
	// 1000 bytes. 801 bytes is under it; evaluation proceeds and finds
	// the match at the end.
	input := strings.Repeat("ab", 400) + "x"
	matched, err := Validate(input, `(a|b)+x`, Options{})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !matched {
		t.Fatal("expected match within cap")
	}
}
