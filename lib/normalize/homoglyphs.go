// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package normalize

// homoglyphFold maps code points that render indistinguishably from
// Latin letters in common fonts to the Latin letter they imitate.
// The table is deliberately curated rather than exhaustive: each entry
// is a character with a documented history of spoofing use. Folding
// only applies inside tokens that are otherwise Latin, so ordinary
// Cyrillic or Greek prose is never rewritten.
var homoglyphFold = map[rune]rune{
	// Cyrillic lowercase.
	'а': 'a', // U+0430
	'е': 'e', // U+0435
	'ѐ': 'e', // U+0450
	'о': 'o', // U+043E
	'р': 'p', // U+0440
	'с': 'c', // U+0441
	'ѕ': 's', // U+0455
	'і': 'i', // U+0456
	'ј': 'j', // U+0458
	'х': 'x', // U+0445
	'у': 'y', // U+0443
	'ԁ': 'd', // U+0501
	'ԛ': 'q', // U+051B
	'ԝ': 'w', // U+051D

	// Cyrillic uppercase.
	'А': 'A', // U+0410
	'В': 'B', // U+0412
	'Е': 'E', // U+0415
	'З': '3', // U+0417, digit spoof
	'І': 'I', // U+0406
	'Ј': 'J', // U+0408
	'К': 'K', // U+041A
	'М': 'M', // U+041C
	'Н': 'H', // U+041D
	'О': 'O', // U+041E
	'Р': 'P', // U+0420
	'С': 'C', // U+0421
	'Т': 'T', // U+0422
	'У': 'Y', // U+0423
	'Х': 'X', // U+0425
	'Ѕ': 'S', // U+0405

	// Greek lowercase.
	'ο': 'o', // U+03BF
	'ν': 'v', // U+03BD
	'ρ': 'p', // U+03C1

	// Greek uppercase.
	'Α': 'A', // U+0391
	'Β': 'B', // U+0392
	'Ε': 'E', // U+0395
	'Ζ': 'Z', // U+0396
	'Η': 'H', // U+0397
	'Ι': 'I', // U+0399
	'Κ': 'K', // U+039A
	'Μ': 'M', // U+039C
	'Ν': 'N', // U+039D
	'Ο': 'O', // U+039F
	'Ρ': 'P', // U+03A1
	'Τ': 'T', // U+03A4
	'Υ': 'Y', // U+03A5
	'Χ': 'X', // U+03A7
}
