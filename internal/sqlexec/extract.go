// Package sqlexec pulls the SQL statement out of a model completion and
// runs it read-only against the warehouse.
package sqlexec

import (
	"regexp"
	"strings"

	"github.com/nlquery/nlquery/internal/failure"
)

var (
	fencePattern     = regexp.MustCompile("(?s)```[A-Za-z]*\\s*\\n?(.*?)```")
	statementPattern = regexp.MustCompile(`(?im)^[ \t]*(SELECT|WITH)\b`)
)

// continuationPattern matches text that carries a statement on past a blank
// line.
var continuationPattern = regexp.MustCompile(`(?i)^(?:[(),]|(?:FROM|WHERE|GROUP|ORDER|HAVING|LIMIT|OFFSET|FETCH|JOIN|LEFT|RIGHT|INNER|OUTER|FULL|CROSS|NATURAL|ON|USING|AND|OR|NOT|UNION|INTERSECT|EXCEPT|SELECT|WINDOW|QUALIFY|CASE|WHEN|THEN|ELSE|END)\b)`)

// Markers the completion may continue with after the statement.
var stopMarkers = []string{"SQLResult:", "\nAnswer:", "\nQuestion:"}

// Extract returns the first SQL statement in a completion. The statement
// is returned as written; only surrounding text and markers are removed.
func Extract(output string) (string, error) {
	text := output
	for _, marker := range stopMarkers {
		if idx := strings.Index(text, marker); idx >= 0 {
			text = text[:idx]
		}
	}
	if idx := strings.Index(text, "SQLQuery:"); idx >= 0 {
		text = text[idx+len("SQLQuery:"):]
	}
	if match := fencePattern.FindStringSubmatch(text); match != nil {
		text = match[1]
	}

	if candidate := strings.TrimSpace(text); startsWithKeyword(candidate) {
		return cutStatement(candidate), nil
	}
	loc := statementPattern.FindStringIndex(text)
	if loc == nil {
		return "", failure.Newf(failure.KindNoSQLFound, "extract sql", "no SQL statement in model output")
	}
	return cutStatement(strings.TrimSpace(text[loc[0]:])), nil
}

func startsWithKeyword(text string) bool {
	loc := statementPattern.FindStringIndex(text)
	return loc != nil && loc[0] == 0
}

// cutStatement ends the statement at its first semicolon or at a blank line
// that is not followed by more of the statement. Semicolons and blank lines
// inside quoted literals, identifiers, line comments or parentheses do not
// end it.
func cutStatement(text string) string {
	var quote byte
	depth := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case '-':
			if strings.HasPrefix(text[i:], "--") {
				nl := strings.IndexByte(text[i:], '\n')
				if nl < 0 {
					return strings.TrimSpace(text)
				}
				// Resume on the newline so blank-line handling still applies.
				i += nl - 1
			}
		case ';':
			return strings.TrimSpace(text[:i+1])
		case '\n':
			if depth == 0 && endsAtBlankLine(text[i+1:]) {
				return strings.TrimSpace(text[:i])
			}
		}
	}
	return strings.TrimSpace(text)
}

// endsAtBlankLine reports whether rest starts with a blank line and the
// text after it does not continue the statement.
func endsAtBlankLine(rest string) bool {
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 || strings.TrimSpace(rest[:nl]) != "" {
		return false
	}
	return !continuationPattern.MatchString(strings.TrimSpace(rest[nl+1:]))
}
