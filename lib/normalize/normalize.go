// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Finding identifiers reported in Result.Findings, in the order the
// pipeline discovers them.
const (
	FindingBidiControl  = "bidi-control"
	FindingZeroWidth    = "zero-width"
	FindingControlChars = "control-characters"
	FindingRecomposed   = "nfc-recomposition"
	FindingHomoglyph    = "homograph-substitution"
	FindingMixedScript  = "mixed-script-content"
)

// Result is the outcome of one normalization pass.
type Result struct {
	// Text is the canonical form. All downstream validation operates
	// on this, never on the input.
	Text string

	// Changed reports whether Text differs from the input.
	Changed bool

	// Findings lists the issue identifiers discovered, deduplicated,
	// in discovery order. A non-empty Findings with Changed == false
	// means something was flagged but nothing rewritten (multi-script
	// content).
	Findings []string
}

// Normalize canonicalizes text: strips direction overrides, zero-width
// characters and stray controls, applies NFC, folds homograph
// substitutions inside Latin tokens, and flags multi-script content.
// It is idempotent.
func Normalize(text string) Result {
	var findings findingList

	stripped := stripInvisible(text, &findings)

	recomposed := norm.NFC.String(stripped)
	if recomposed != stripped {
		findings.add(FindingRecomposed)
	}

	folded := foldHomoglyphs(recomposed, &findings)
	// Folding a confusable that carried a combining mark leaves the
	// mark on a new Latin base; recompose so the output is NFC no
	// matter what the fold rewrote.
	if composed := norm.NFC.String(folded); composed != folded {
		findings.add(FindingRecomposed)
		folded = composed
	}

	if multiScript(folded) {
		findings.add(FindingMixedScript)
	}

	return Result{
		Text:     folded,
		Changed:  folded != text,
		Findings: findings.items,
	}
}

// bidiControls are the direction-override and direction-mark code
// points stripped in step 1. An attacker uses these to make displayed
// text misrepresent byte order ("exe.txt" rendering as "txt.exe").
var bidiControls = map[rune]bool{
	'\u202A': true, // LEFT-TO-RIGHT EMBEDDING
	'\u202B': true, // RIGHT-TO-LEFT EMBEDDING
	'\u202C': true, // POP DIRECTIONAL FORMATTING
	'\u202D': true, // LEFT-TO-RIGHT OVERRIDE
	'\u202E': true, // RIGHT-TO-LEFT OVERRIDE
	'\u2066': true, // LEFT-TO-RIGHT ISOLATE
	'\u2067': true, // RIGHT-TO-LEFT ISOLATE
	'\u2068': true, // FIRST STRONG ISOLATE
	'\u2069': true, // POP DIRECTIONAL ISOLATE
	'\u200E': true, // LEFT-TO-RIGHT MARK
	'\u200F': true, // RIGHT-TO-LEFT MARK
	'\u061C': true, // ARABIC LETTER MARK
}

// zeroWidth are the invisible non-control code points stripped in
// step 2. They split words without visual effect, defeating naive
// pattern matching ("SYSTEM" with a zero-width space in the middle).
var zeroWidth = map[rune]bool{
	'\u200B': true, // ZERO WIDTH SPACE
	'\u200C': true, // ZERO WIDTH NON-JOINER
	'\u200D': true, // ZERO WIDTH JOINER
	'\u2060': true, // WORD JOINER
	'\uFEFF': true, // ZERO WIDTH NO-BREAK SPACE / BOM
}

// stripInvisible removes bidi controls, zero-width characters, and
// control characters other than tab, newline, and carriage return.
func stripInvisible(text string, findings *findingList) string {
	// Fast path: scan for anything strippable before allocating.
	clean := true
	for _, r := range text {
		if bidiControls[r] || zeroWidth[r] || isStrayControl(r) {
			clean = false
			break
		}
	}
	if clean {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case bidiControls[r]:
			findings.add(FindingBidiControl)
		case zeroWidth[r]:
			findings.add(FindingZeroWidth)
		case isStrayControl(r):
			findings.add(FindingControlChars)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isStrayControl reports whether r is a control character that has no
// business in element text. Tab, LF, and CR are legitimate document
// structure and pass through.
func isStrayControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return r < 0x20 || r == 0x7F || (r >= 0x80 && r <= 0x9F)
}

// foldHomoglyphs walks tokens (letter/digit/underscore/hyphen runs,
// with combining marks riding along) and folds confusable code points
// to Latin inside tokens that are otherwise Latin. A token containing
// non-Latin letters outside the fold table is left untouched: that is
// prose in another script, not a spoof.
func foldHomoglyphs(text string, findings *findingList) string {
	var b strings.Builder
	b.Grow(len(text))

	runes := []rune(text)
	for i := 0; i < len(runes); {
		if !isTokenRune(runes[i]) {
			b.WriteRune(runes[i])
			i++
			continue
		}
		j := i
		for j < len(runes) && isTokenRune(runes[j]) {
			j++
		}
		token := runes[i:j]
		writeToken(&b, token, findings)
		i = j
	}
	return b.String()
}

// writeToken emits one token, folding confusables when the fold rule
// applies and flagging tokens that mix scripts either way.
func writeToken(b *strings.Builder, token []rune, findings *findingList) {
	latin, confusable, foreign := 0, 0, 0
	for _, r := range token {
		switch {
		case homoglyphFold[r] != 0:
			confusable++
		case unicode.IsLetter(r):
			if unicode.Is(unicode.Latin, r) {
				latin++
			} else {
				foreign++
			}
		}
	}

	fold := confusable > 0 && latin > 0 && foreign == 0
	if fold {
		findings.add(FindingHomoglyph)
	}
	if !fold && confusable+foreign > 0 && latin > 0 {
		// Mixed scripts that the fold rule does not cover: flag, keep.
		findings.add(FindingMixedScript)
	}

	for _, r := range token {
		if fold {
			if folded := homoglyphFold[r]; folded != 0 {
				b.WriteRune(folded)
				continue
			}
		}
		b.WriteRune(r)
	}
}

// isTokenRune reports whether r belongs to a token for folding
// purposes. Hyphen and underscore join identifiers like trigger names.
// Combining marks ride with their base character so a mark cannot
// split a token and hide the characters after it from the fold.
func isTokenRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' ||
		unicode.Is(unicode.Mn, r)
}

// scriptTables maps the scripts the detector distinguishes. Anything
// else (Common, Inherited, rarer scripts) is ignored for the
// multi-script survey.
var scriptTables = []struct {
	name  string
	table *unicode.RangeTable
}{
	{"latin", unicode.Latin},
	{"cyrillic", unicode.Cyrillic},
	{"greek", unicode.Greek},
	{"han", unicode.Han},
	{"hiragana", unicode.Hiragana},
	{"katakana", unicode.Katakana},
	{"hangul", unicode.Hangul},
	{"arabic", unicode.Arabic},
	{"hebrew", unicode.Hebrew},
}

// multiScript reports whether the text contains letters from more than
// one recognized script. Legitimate multilingual content trips this;
// it is a flag for reviewers, never a mutation.
func multiScript(text string) bool {
	seen := ""
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		for _, s := range scriptTables {
			if unicode.Is(s.table, r) {
				if seen == "" {
					seen = s.name
				} else if seen != s.name {
					return true
				}
				break
			}
		}
	}
	return false
}

// findingList is an ordered, deduplicated finding collector.
type findingList struct {
	items []string
}

func (f *findingList) add(id string) {
	for _, existing := range f.items {
		if existing == id {
			return
		}
	}
	f.items = append(f.items, id)
}
