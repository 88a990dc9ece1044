// Package parser provides pure text-processing functions shared by the
// process wrapper and the stream dispatcher: terminal control-sequence
// stripping, interactive-prompt detection, and size-bounded chunking.
package parser

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// DCS first: its payload may contain byte runs a narrower pattern
	// would match on its own.
	dcsRe = regexp.MustCompile(`(?s)\x1bP.*?\x1b\\`)
	oscRe = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
	csiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	escRe = regexp.MustCompile(`\x1b[@-_]|\x1b`)

	newlineRunRe = regexp.MustCompile(`\n{3,}`)
)

// StripControlSequences removes terminal control sequences from subprocess
// output: ANSI color/cursor codes, OSC and DCS escape sequences, NUL bytes,
// and carriage returns. Runs of three or more newlines collapse to two, and
// surrounding whitespace is trimmed. Idempotent.
func StripControlSequences(text string) string {
	text = dcsRe.ReplaceAllString(text, "")
	text = oscRe.ReplaceAllString(text, "")
	text = csiRe.ReplaceAllString(text, "")
	text = escRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\x00", "")
	// Dropping CRs keeps content that followed an overwrite-style \r.
	text = strings.ReplaceAll(text, "\r", "")
	text = newlineRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)allow\s+\w+\s+tool`),
	regexp.MustCompile(`(?i)[\[(]\s*y/n\s*[\])]`),
	regexp.MustCompile(`(?i)press\s+y\s+to\s+allow`),
	regexp.MustCompile(`(?i)do you want to proceed`),
	regexp.MustCompile(`(?i)yes,?\s+and\s+don't ask again`),
}

// DetectPrompt reports whether text contains an interactive confirmation
// prompt. Callers must pass the full pending accumulation, not only the
// newest fragment, so prompts split across writes are still recognized.
func DetectPrompt(text string) bool {
	for _, p := range promptPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// Chunk splits text into pieces no longer than maxLen, preferring to break at
// a blank line in the right half of the window, then at a line boundary past
// 30% of it, then at a word boundary past 30%, else cutting hard at maxLen.
// Continuation pieces have their leading whitespace trimmed; concatenating the
// pieces with that whitespace re-inserted reproduces text exactly.
func Chunk(text string, maxLen int) []string {
	if maxLen <= 0 || len(text) <= maxLen {
		return []string{text}
	}

	var pieces []string
	rest := text
	for len(rest) > maxLen {
		cut := breakPoint(rest, maxLen)
		pieces = append(pieces, rest[:cut])
		rest = strings.TrimLeft(rest[cut:], " \t\r\n")
	}
	if rest != "" {
		pieces = append(pieces, rest)
	}
	return pieces
}

// breakPoint selects the rightmost break position at or before maxLen.
func breakPoint(s string, maxLen int) int {
	window := s[:maxLen]

	if i := strings.LastIndex(window, "\n\n"); i >= maxLen/2 {
		return i
	}
	if i := strings.LastIndexByte(window, '\n'); i >= maxLen*3/10 {
		return i
	}
	if i := strings.LastIndexByte(window, ' '); i >= maxLen*3/10 {
		return i
	}

	// Hard cut. Back off to a rune start so a multi-byte character is never
	// split across two pieces.
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		return maxLen
	}
	return cut
}
