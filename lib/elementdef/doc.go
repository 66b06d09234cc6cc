// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package elementdef parses and serializes element documents.
//
// An element document is either a markdown file with a YAML metadata
// block (personas, skills, templates, agents, ensembles):
//
//	---
//	name: Creative Writer
//	description: Imaginative storyteller
//	triggers: [write, story]
//	---
//	# Instructions
//	...
//
// or, for memories, a whole-file YAML document whose mapping carries
// the same metadata fields plus a list of timestamped entries.
//
// Documents come from disk, from sync, and from marketplace
// installs, so the parser treats every byte as untrusted. Parsing is
// a fixed pipeline: normalize the text (see the normalize package),
// isolate the metadata block, pattern-scan the block before the YAML
// decoder ever sees it, decode through a restricted schema walk, and
// only then scan the document body under the configured policy.
//
// The restricted walk refuses the YAML constructs that turn a parser
// into an execution engine: language type tags such as
// !!python/object, anchors and aliases (billion-laughs expansion),
// non-string mapping keys, and nesting beyond MaxMetadataDepth.
// Within the schema, unknown metadata fields are preserved as opaque
// strings rather than typed values, so round-tripping a foreign
// document never constructs objects the schema does not name.
//
// Structural failures return *ParseError; policy failures return
// *contentscan.SecurityError. Both are also reported to the audit
// sink, with finding identifiers rather than document text.
package elementdef
