package sandbox

import (
	"regexp"
	"strings"
)

// statement is one parsed unit of a code cell.
type statement struct {
	text       string // original statement text, trimmed
	line       int    // 1-based source line
	exportName string // set for "exports.NAME = EXPR"
	bindName   string // set for "NAME = EXPR"
	expr       string // the expression to evaluate
}

var (
	exportStmtRe = regexp.MustCompile(`^exports\.([A-Za-z_][A-Za-z0-9_]*)\s*=([^=].*|)$`)
	bindStmtRe   = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=([^=].*|)$`)
)

// splitStatements breaks cell source into statements on newlines and
// semicolons, honoring string literals and dropping // comments and blank
// lines. Line numbers refer to the original source.
func splitStatements(source string) []statement {
	var stmts []statement

	for i, rawLine := range strings.Split(source, "\n") {
		line := i + 1
		for _, piece := range splitOutsideStrings(stripComment(rawLine), ';') {
			text := strings.TrimSpace(piece)
			if text == "" {
				continue
			}
			stmts = append(stmts, classify(text, line))
		}
	}

	return stmts
}

// classify decides the statement form. Assignment detection requires the
// "=" to not begin a "==" comparison; anything that is not an export or a
// local binding is a bare expression.
func classify(text string, line int) statement {
	if m := exportStmtRe.FindStringSubmatch(text); m != nil {
		return statement{text: text, line: line, exportName: m[1], expr: strings.TrimSpace(m[2])}
	}
	if m := bindStmtRe.FindStringSubmatch(text); m != nil {
		return statement{text: text, line: line, bindName: m[1], expr: strings.TrimSpace(m[2])}
	}
	return statement{text: text, line: line, expr: text}
}

// stripComment removes a // comment unless it sits inside a string literal.
func stripComment(line string) string {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '/' && i+1 < len(line) && line[i+1] == '/':
			return line[:i]
		}
	}
	return line
}

// splitOutsideStrings splits on sep, skipping separators inside string
// literals.
func splitOutsideStrings(s string, sep byte) []string {
	var (
		parts []string
		start int
		quote byte
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
