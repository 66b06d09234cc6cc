// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package contentscan

// Pattern is one catalog entry: a pattern family identifier, the
// severity of a match, and the regular expression source. The catalog
// is not exhaustive and is not meant to be; it covers the families
// that turn element text into an attack on whatever consumes it.
type Pattern struct {
	ID       string
	Severity Severity
	Expr     string
}

// DefaultCatalog returns the built-in pattern catalog. Callers may
// append their own families via Options.ExtraPatterns; every pattern,
// built-in or extra, passes through regexguard classification at
// scanner construction.
func DefaultCatalog() []Pattern {
	return []Pattern{
		// System-role override markers: text that impersonates a
		// privileged conversation role.
		{
			ID:       "system-role-override",
			Severity: SeverityHigh,
			Expr:     `(?i)\[\s*(?:system|admin|assistant|root)\s*[:\]]`,
		},

		// Instruction-override phrasing.
		{
			ID:       "instruction-override",
			Severity: SeverityHigh,
			Expr:     `(?i)\b(?:ignore|disregard|forget|override)\s+(?:all\s+|any\s+|the\s+)?(?:previous|prior|above|earlier|preceding|your)\s+(?:instructions?|prompts?|rules?|guidelines?|directives?|context)\b`,
		},
		{
			ID:       "new-instructions",
			Severity: SeverityHigh,
			Expr:     `(?i)\byour\s+new\s+(?:instructions|task|goal|purpose)\s+(?:is|are)\b`,
		},
		{
			ID:       "prompt-reveal",
			Severity: SeverityMedium,
			Expr:     `(?i)\b(?:reveal|show|print|display|repeat|output)\b[^.\n]{0,60}\b(?:system\s+prompt|initial\s+instructions|hidden\s+instructions)\b`,
		},

		// Exfiltration phrasing: verbs that move data combined with a
		// transport scheme.
		{
			ID:       "data-exfiltration",
			Severity: SeverityHigh,
			Expr:     `(?i)\b(?:send|post|upload|transmit|exfiltrate|forward)\b[^.\n]{0,60}\b(?:https?|ftp)://`,
		},

		// Shell execution syntax.
		{
			ID:       "curl-pipe-shell",
			Severity: SeverityCritical,
			Expr:     `(?i)\b(?:curl|wget)\b[^\n]{0,160}\|\s*(?:ba)?sh\b`,
		},
		{
			ID:       "destructive-command",
			Severity: SeverityHigh,
			Expr:     `(?i)\brm\s+-(?:rf|fr)\b`,
		},
		{
			ID:       "command-substitution",
			Severity: SeverityMedium,
			Expr:     `\$\([^)\n]{1,200}\)`,
		},
		{
			ID:       "eval-call",
			Severity: SeverityMedium,
			Expr:     `(?i)\b(?:eval|exec)\s*\(`,
		},

		// Credential-shaped tokens. Well-known prefixes reject;
		// assignment-shaped secrets sanitize, since "password" next to
		// a quoted string has benign uses.
		{
			ID:       "private-key",
			Severity: SeverityCritical,
			Expr:     `-----BEGIN [A-Z ]{0,20}PRIVATE KEY-----`,
		},
		{
			ID:       "aws-access-key",
			Severity: SeverityHigh,
			Expr:     `\bAKIA[0-9A-Z]{16}\b`,
		},
		{
			ID:       "github-token",
			Severity: SeverityHigh,
			Expr:     `\bgh[pousr]_[A-Za-z0-9]{36,255}\b`,
		},
		{
			ID:       "generic-secret",
			Severity: SeverityMedium,
			Expr:     `(?i)\b(?:api[_-]?key|secret[_-]?key|access[_-]?token|auth[_-]?token|password)\s*[:=]\s*\S{8,64}`,
		},

		// Path traversal. A single parent hop is common in markdown
		// relative links, so it only records a finding; chained hops
		// walk out of the portfolio and reject.
		{
			ID:       "path-traversal",
			Severity: SeverityHigh,
			Expr:     `(?:\.\.[/\\]){2,}`,
		},
		{
			ID:       "parent-path-reference",
			Severity: SeverityLow,
			Expr:     `\.\.[/\\]`,
		},

		// Deserialization type tags: syntax that would coerce a plain
		// scalar into a constructed object in a permissive parser.
		{
			ID:       "yaml-type-tag",
			Severity: SeverityCritical,
			Expr:     `!!(?:python|ruby|perl|java|js|javascript)(?:/[A-Za-z_.:]+)?`,
		},

		// Internal endpoints referenced as URLs. Low: worth a finding,
		// not worth refusing documentation that mentions localhost.
		{
			ID:       "localhost-url",
			Severity: SeverityLow,
			Expr:     `(?i)\bhttps?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0)\b`,
		},
	}
}
