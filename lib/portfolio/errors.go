// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package portfolio

import "errors"

// ErrNotFound reports that a load, delete, or exists target is not in
// the portfolio. Always wrapped with the element identity; match with
// errors.Is.
var ErrNotFound = errors.New("element not found")

// ErrConflict reports a save that would replace an existing element
// without SaveOptions.Overwrite.
var ErrConflict = errors.New("element already exists")

// ErrPortfolioBusy reports that another process holds the portfolio's
// single-writer guard.
var ErrPortfolioBusy = errors.New("portfolio is in use by another process")
