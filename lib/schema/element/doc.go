// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package element defines the data model for portfolio elements: the
// Kind enumeration, the Metadata block shared by every document, and
// the Element aggregate the store loads and saves.
//
// The schema is deliberately restricted. Every metadata value is a
// plain string, number, boolean, list, or map, never a constructed
// object, never a custom type tag. Fields outside the known schema are
// carried as opaque strings in Metadata.Extra so that documents
// written by newer code survive a round-trip through older code
// without gaining executable structure.
//
// Validation here is structural: required fields, value shapes,
// enumerated sets. Security validation (length caps, character-set
// limits, pattern scanning) lives in the contentscan package and runs
// in the document parser before anything reaches this schema.
package element
