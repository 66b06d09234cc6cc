// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the current time. Every production function that
// needs a timestamp takes a Clock parameter (or is a method on a
// struct with a Clock field) instead of calling time.Now.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
