// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package elementdef

import "fmt"

// ParseError reports a structural failure: the document does not fit
// the restricted schema. Security rejections use
// *contentscan.SecurityError instead.
type ParseError struct {
	// Section locates the failure: "document", "metadata", or a
	// dotted field path such as "metadata.triggers".
	Section string

	// Detail describes the failure in one sentence.
	Detail string

	// Err is the underlying decoder error, if any.
	Err error
}

func (e *ParseError) Error() string {
	switch {
	case e.Err != nil && e.Detail != "":
		return fmt.Sprintf("parse %s: %s: %v", e.Section, e.Detail, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("parse %s: %v", e.Section, e.Err)
	default:
		return fmt.Sprintf("parse %s: %s", e.Section, e.Detail)
	}
}

func (e *ParseError) Unwrap() error { return e.Err }
