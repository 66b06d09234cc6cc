// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package regexguard

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"
)

// Risk grades the worst-case matching cost of a pattern.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Input length caps by risk grade. A pattern is never evaluated
// against input longer than its grade's cap; the caller gets
// ErrInputTooLong before any matching work happens.
const (
	MaxInputLow    = 100000
	MaxInputMedium = 10000
	MaxInputHigh   = 1000
)

// SoftTimeBudget is the evaluation duration above which a completed
// match is logged as suspicious. The budget is observed, not enforced:
// a match that has started runs to completion, which is exactly why
// the input caps exist.
const SoftTimeBudget = 100 * time.Millisecond

// Danger signal identifiers reported in Classification.Signals.
const (
	SignalNestedQuantifier      = "nested-quantifier"
	SignalQuantifiedAlternation = "quantified-alternation"
	SignalOverlappingBranches   = "overlapping-branches"
	SignalQuantifiedLookaround  = "quantified-lookaround"
)

var (
	// ErrInputTooLong reports input exceeding the pattern's length cap.
	// Returned before evaluation; the input content is never scanned.
	ErrInputTooLong = errors.New("input exceeds safe length for pattern")

	// ErrDangerousPattern reports a pattern rejected outright under
	// Options.RejectDangerous.
	ErrDangerousPattern = errors.New("pattern rejected as dangerous")
)

// Classification is the static risk assessment of a single pattern.
type Classification struct {
	// Risk is the assessed grade.
	Risk Risk

	// MaxInputLength is the byte cap applied to inputs before this
	// pattern may be evaluated.
	MaxInputLength int

	// Quantifiers is the count of unescaped quantifiers outside
	// character classes.
	Quantifiers int

	// Signals lists the danger signals found, empty for clean
	// patterns. Any signal forces RiskHigh regardless of quantifier
	// count.
	Signals []string
}

// Dangerous reports whether any danger signal was found.
func (c Classification) Dangerous() bool { return len(c.Signals) > 0 }

// Options controls Validate behavior.
type Options struct {
	// RejectDangerous refuses to evaluate patterns carrying danger
	// signals instead of capping their input at the high-risk limit.
	RejectDangerous bool

	// Logger receives soft-budget warnings. Nil discards them.
	Logger *slog.Logger
}

// Classify statically inspects pattern source and derives the risk
// grade and input cap. The pattern is not compiled; classification is
// pure text analysis and never evaluates anything.
func Classify(pattern string) Classification {
	analysis := analyze(pattern)

	c := Classification{
		Quantifiers: analysis.quantifiers,
		Signals:     analysis.signals,
	}
	switch {
	case len(analysis.signals) > 0 || analysis.quantifiers >= 4:
		c.Risk = RiskHigh
		c.MaxInputLength = MaxInputHigh
	case analysis.quantifiers >= 1:
		c.Risk = RiskMedium
		c.MaxInputLength = MaxInputMedium
	default:
		c.Risk = RiskLow
		c.MaxInputLength = MaxInputLow
	}
	return c
}

// Validate evaluates pattern against input under the guard's rules:
// classify first, reject dangerous patterns when requested, reject
// oversize input before evaluation, then compile a fresh pattern and
// match. Returns whether the pattern matched.
//
// The oversize-input check runs before compilation, so rejection cost
// is independent of input content and length.
func Validate(input, pattern string, opts Options) (bool, error) {
	c := Classify(pattern)

	if opts.RejectDangerous && c.Dangerous() {
		return false, fmt.Errorf("%w: signals %v", ErrDangerousPattern, c.Signals)
	}
	if len(input) > c.MaxInputLength {
		return false, fmt.Errorf("%w: %d bytes, cap %d (risk %s)",
			ErrInputTooLong, len(input), c.MaxInputLength, c.Risk)
	}

	// Fresh compilation per call: no match state or cached program is
	// shared between validations.
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("compiling pattern: %w", err)
	}

	start := time.Now()
	matched := re.MatchString(input)
	if elapsed := time.Since(start); elapsed > SoftTimeBudget && opts.Logger != nil {
		opts.Logger.Warn("pattern evaluation exceeded soft time budget",
			"pattern", pattern,
			"risk", string(c.Risk),
			"input_bytes", len(input),
			"elapsed", elapsed)
	}
	return matched, nil
}

// analysis accumulates facts about a pattern's source text.
type analysis struct {
	quantifiers int
	signals     []string
}

func (a *analysis) signal(s string) {
	for _, existing := range a.signals {
		if existing == s {
			return
		}
	}
	a.signals = append(a.signals, s)
}

// group tracks one open parenthesis group during the scan.
type group struct {
	hasQuantifier  bool // a quantifier appeared inside this group
	hasAlternation bool // a top-level | appeared inside this group
	lookaround     bool // group opened with (?=, (?!, (?<=, (?<!
	branchStarts   []byte
	branchLen      int
	currentStart   byte
}

// analyze scans pattern source byte by byte, tracking escapes,
// character classes, and group nesting. It intentionally over-reports
// rather than under-reports: a false danger signal costs a tighter
// input cap, a missed one costs unbounded evaluation somewhere
// downstream.
func analyze(pattern string) analysis {
	var a analysis

	inClass := false
	escaped := false
	var stack []group
	// Sentinel for top-level alternation/branch tracking.
	stack = append(stack, group{})

	quantifierJustClosed := false // last token was a quantifier

	for i := 0; i < len(pattern); i++ {
		b := pattern[i]

		if escaped {
			escaped = false
			recordBranchStart(&stack[len(stack)-1], b)
			quantifierJustClosed = false
			continue
		}
		if b == '\\' {
			escaped = true
			continue
		}
		if inClass {
			if b == ']' {
				inClass = false
				recordBranchStart(&stack[len(stack)-1], '[')
			}
			continue
		}

		switch b {
		case '[':
			inClass = true
			quantifierJustClosed = false

		case '(':
			g := group{}
			// Consume the group-flavor prefix so its bytes are not
			// misread as quantifiers or literals: (?: (?= (?! (?<= (?<!
			// (?P<name> and inline flag runs like (?i) or (?is:.
			if i+1 < len(pattern) && pattern[i+1] == '?' {
				consumed, lookaround, flagOnly := groupPrefix(pattern[i:])
				g.lookaround = lookaround
				i += consumed
				if flagOnly {
					// (?i) style: no group actually opens.
					quantifierJustClosed = false
					continue
				}
			}
			stack = append(stack, g)
			quantifierJustClosed = false

		case ')':
			if len(stack) <= 1 {
				// Unbalanced pattern; compilation will fail later.
				continue
			}
			closed := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if closed.hasAlternation {
				closed.branchStarts = append(closed.branchStarts, closed.currentStart)
			}

			quantified := i+1 < len(pattern) && isQuantifierStart(pattern[i+1])
			// Only repetition (+ * {n,m}) of a group multiplies its
			// internal search space. An optional group (?) is evaluated
			// at most once and carries no amplification.
			repeated := quantified && pattern[i+1] != '?'
			if repeated {
				if closed.hasQuantifier {
					a.signal(SignalNestedQuantifier)
				}
				if closed.hasAlternation {
					a.signal(SignalQuantifiedAlternation)
					if overlappingBranches(closed.branchStarts) {
						a.signal(SignalOverlappingBranches)
					}
				}
				if closed.lookaround {
					a.signal(SignalQuantifiedLookaround)
				}
			}
			// A quantified inner group also counts as a quantifier
			// inside the enclosing group.
			if closed.hasQuantifier || quantified {
				stack[len(stack)-1].hasQuantifier = true
			}
			recordBranchStart(&stack[len(stack)-1], '(')
			quantifierJustClosed = false

		case '|':
			top := &stack[len(stack)-1]
			top.hasAlternation = true
			top.branchStarts = append(top.branchStarts, top.currentStart)
			top.currentStart = 0
			top.branchLen = 0
			quantifierJustClosed = false

		case '*', '+', '?':
			// `?` directly after another quantifier is a lazy modifier,
			// not an additional quantifier.
			if b == '?' && quantifierJustClosed {
				continue
			}
			a.quantifiers++
			stack[len(stack)-1].hasQuantifier = true
			quantifierJustClosed = true

		case '{':
			if end := closingBrace(pattern[i:]); end > 0 {
				a.quantifiers++
				stack[len(stack)-1].hasQuantifier = true
				i += end
				quantifierJustClosed = true
			} else {
				recordBranchStart(&stack[len(stack)-1], b)
				quantifierJustClosed = false
			}

		default:
			recordBranchStart(&stack[len(stack)-1], b)
			quantifierJustClosed = false
		}
	}

	// A quantified lookaround may also appear as lookaround following
	// a quantifier elsewhere; the per-group close above covers the
	// quantified-group case, which is the shape the catalog guards for.
	return a
}

// recordBranchStart notes the first literal byte of the current
// alternation branch, used for branch-overlap detection.
func recordBranchStart(g *group, b byte) {
	g.branchLen++
	if g.branchLen == 1 {
		g.currentStart = b
	}
}

// overlappingBranches reports whether two alternation branches start
// with the same byte or either starts with a wildcard-ish token. Such
// branches can match the same prefix, the precondition for exponential
// exploration in backtracking engines.
func overlappingBranches(starts []byte) bool {
	isWild := func(b byte) bool {
		return b == '.' || b == '[' || b == '(' || b == 'w' || b == 's' || b == 'd'
	}
	seen := make(map[byte]bool, len(starts))
	for _, b := range starts {
		if b == 0 {
			continue
		}
		if isWild(b) || seen[b] {
			return true
		}
		seen[b] = true
	}
	return false
}

// isQuantifierStart reports whether b begins a quantifier token.
func isQuantifierStart(b byte) bool {
	return b == '*' || b == '+' || b == '?' || b == '{'
}

// groupPrefix examines a group opening at s[0] == '(' with s[1] == '?'
// and returns how many bytes beyond '(' the flavor prefix occupies,
// whether the group is a lookaround, and whether it is a flag-only
// group like (?i) that opens no group at all.
func groupPrefix(s string) (consumed int, lookaround, flagOnly bool) {
	// s starts "(?".
	if len(s) < 3 {
		return 1, false, false
	}
	switch s[2] {
	case ':':
		return 2, false, false
	case '=', '!':
		return 2, true, false
	case '<':
		if len(s) >= 4 && (s[3] == '=' || s[3] == '!') {
			return 3, true, false
		}
		// (?<name> named group: consume through '>'.
		for j := 3; j < len(s); j++ {
			if s[j] == '>' {
				return j, false, false
			}
		}
		return 2, false, false
	case 'P':
		// (?P<name> named group.
		for j := 3; j < len(s); j++ {
			if s[j] == '>' {
				return j, false, false
			}
		}
		return 2, false, false
	default:
		// Inline flags: (?i) (?is) (?i:...) (?-s:...).
		for j := 2; j < len(s); j++ {
			switch s[j] {
			case ')':
				return j, false, true
			case ':':
				return j, false, false
			case 'i', 'm', 's', 'U', '-':
				// Flag characters, keep scanning.
			default:
				return 1, false, false
			}
		}
		return 1, false, false
	}
}

// closingBrace returns the offset of the `}` ending a {n}, {n,} or
// {n,m} repetition starting at s[0] == '{', or 0 if s is not a
// repetition (making `{` a literal, as regexp treats it).
func closingBrace(s string) int {
	if len(s) < 3 {
		return 0
	}
	digits := false
	for i := 1; i < len(s) && i < 12; i++ {
		switch {
		case s[i] >= '0' && s[i] <= '9':
			digits = true
		case s[i] == ',':
			// Allowed between bounds.
		case s[i] == '}':
			if digits {
				return i
			}
			return 0
		default:
			return 0
		}
	}
	return 0
}
