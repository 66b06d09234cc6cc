// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source for testability.
//
// Production code accepts a Clock instead of calling time.Now directly.
// Real() provides standard library behavior; Fake() provides a
// deterministic clock that advances only when Advance or Set is called.
// Usage metrics (daily buckets, trend windows) and element timestamps
// are all derived through a Clock so tests can walk the calendar
// without sleeping.
package clock
