// Package jsonrepair implements the lenient JSON repair pass the LLM client
// falls back to when a provider's JSON-mode response is not quite valid
// JSON. It only runs after encoding/json has already failed outright, and it
// only fixes the small set of misbehaviors known to occur in practice:
// trailing commas, single-quoted strings/keys, and unquoted object keys.
package jsonrepair

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKey   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)
)

// Repair attempts to coerce raw into valid JSON text. It returns the
// original bytes unchanged if no known fix applies, so callers should still
// handle a second parse failure.
func Repair(raw string) string {
	s := raw
	s = stripCodeFence(s)
	s = singleToDoubleQuotes(s)
	s = unquotedKey.ReplaceAllString(s, `$1"$2"$3`)
	s = trailingComma.ReplaceAllString(s, "$1")
	return s
}

// Parse tries encoding/json first, then Repair, then encoding/json again.
// It returns an error only if both attempts fail.
func Parse(raw string, out any) error {
	if err := json.Unmarshal([]byte(raw), out); err == nil {
		return nil
	}
	repaired := Repair(raw)
	return json.Unmarshal([]byte(repaired), out)
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

// singleToDoubleQuotes is a conservative, string-literal-aware pass: it only
// flips a single quote to a double quote when it is acting as a JSON string
// delimiter (preceded by one of `{,[:` plus whitespace, or followed by one
// of `:,}]`), so apostrophes inside already-valid double-quoted strings are
// left untouched.
func singleToDoubleQuotes(s string) string {
	var b strings.Builder
	inDouble := false
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' && (i == 0 || runes[i-1] != '\\'):
			inDouble = !inDouble
			b.WriteRune(r)
		case r == '\'' && !inDouble && looksLikeDelimiter(runes, i):
			b.WriteRune('"')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func looksLikeDelimiter(runes []rune, i int) bool {
	prevNonSpace := lastNonSpace(runes, i-1)
	nextNonSpace := firstNonSpace(runes, i+1)
	openers := "{[,:"
	closers := ":,}]"
	return (prevNonSpace == 0 || strings.ContainsRune(openers, prevNonSpace)) ||
		(nextNonSpace == 0 || strings.ContainsRune(closers, nextNonSpace))
}

func lastNonSpace(runes []rune, from int) rune {
	for i := from; i >= 0; i-- {
		if runes[i] != ' ' && runes[i] != '\t' && runes[i] != '\n' {
			return runes[i]
		}
	}
	return 0
}

func firstNonSpace(runes []rune, from int) rune {
	for i := from; i < len(runes); i++ {
		if runes[i] != ' ' && runes[i] != '\t' && runes[i] != '\n' {
			return runes[i]
		}
	}
	return 0
}
