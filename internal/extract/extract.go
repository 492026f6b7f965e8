package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/cellflow/internal/store"
)

// Result is the ordered outcome of extraction for one cell. Both lists are
// de-duplicated and ordered by first occurrence in the source.
type Result struct {
	Dependencies []string
	Exports      []string
}

// identRe matches a single identifier.
var identRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// exportAssignRe matches assignments to the designated exports object,
// e.g. "exports.total = ...". Only this form creates an export.
var exportAssignRe = regexp.MustCompile(`(?m)^\s*exports\.([A-Za-z_][A-Za-z0-9_]*)\s*=`)

// localAssignRe matches local bindings "name = ..." at statement start.
var localAssignRe = regexp.MustCompile(`(?m)^\s*([A-Za-z_][A-Za-z0-9_]*)\s*=[^=]`)

// placeholderRe matches {{identifier}} occurrences in markdown content,
// tolerating inner whitespace.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// stringLitRe removes string literal bodies before identifier scanning so
// that words inside quotes never become dependencies.
var stringLitRe = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'`)

// lineCommentRe removes // comments to end of line.
var lineCommentRe = regexp.MustCompile(`//[^\n]*`)

// hostBuiltins are names injected by the sandbox or belonging to the
// expression language itself. They are never dependencies: no cell will
// ever define them, so edges to them would be permanently unsatisfiable.
var hostBuiltins = map[string]bool{
	"exports": true,
	"console": true,
	"out":     true,
	"load":    true,
	"dom":     true,
	"math":    true,
	"strings": true,
	"time":    true,
	"true":    true,
	"false":   true,
	"nil":     true,
	"and":     true,
	"or":      true,
	"not":     true,
	"in":      true,
	"let":     true,
	"len":     true,
	"abs":     true,
	"min":     true,
	"max":     true,
	"all":     true,
	"any":     true,
	"none":    true,
	"one":     true,
	"map":     true,
	"filter":  true,
	"count":   true,
	"string":  true,
	"int":     true,
	"float":   true,
}

// IsHostBuiltin reports whether name is on the extraction denylist.
func IsHostBuiltin(name string) bool {
	return hostBuiltins[name]
}

// Code extracts dependencies and exports from a code cell.
//
// Dependencies are occurrences of already-known variable names (the scan is
// conservative text matching, not dataflow analysis). Names the cell itself
// assigns - exports and local bindings alike - are excluded from its
// dependencies, as are host builtins and anything inside string literals
// or comments.
func Code(source string, known []string) Result {
	clean := stripNoise(source)

	var exports []string
	seenExport := map[string]bool{}
	for _, m := range exportAssignRe.FindAllStringSubmatch(clean, -1) {
		name := store.Normalize(m[1])
		if !seenExport[name] {
			seenExport[name] = true
			exports = append(exports, name)
		}
	}

	// Local binding targets shadow same-named variables for this cell.
	locals := map[string]bool{}
	for _, m := range localAssignRe.FindAllStringSubmatch(clean, -1) {
		locals[store.Normalize(m[1])] = true
	}

	knownSet := make(map[string]bool, len(known))
	for _, name := range known {
		knownSet[store.Normalize(name)] = true
	}

	var deps []string
	seenDep := map[string]bool{}
	for _, ident := range identRe.FindAllString(clean, -1) {
		name := store.Normalize(ident)
		switch {
		case hostBuiltins[name], seenExport[name], locals[name], seenDep[name]:
			continue
		case !knownSet[name]:
			continue
		}
		seenDep[name] = true
		deps = append(deps, name)
	}

	return Result{Dependencies: deps, Exports: exports}
}

// SplitFormula splits a formula cell's source "name = expression" into its
// bound variable name and expression text.
func SplitFormula(source string) (name, expression string, err error) {
	eq := strings.Index(source, "=")
	if eq < 0 {
		return "", "", fmt.Errorf("formula %q: expected \"name = expression\"", strings.TrimSpace(source))
	}
	name = strings.TrimSpace(source[:eq])
	expression = strings.TrimSpace(source[eq+1:])
	if !identRe.MatchString(name) || identRe.FindString(name) != name {
		return "", "", fmt.Errorf("formula bound name %q is not an identifier", name)
	}
	if hostBuiltins[name] {
		return "", "", fmt.Errorf("formula bound name %q collides with a host builtin", name)
	}
	if expression == "" {
		return "", "", fmt.Errorf("formula %q has an empty expression", name)
	}
	return store.Normalize(name), expression, nil
}

// Formula extracts dependencies and the single export from a formula cell.
// Dependencies are the free identifiers of the expression.
func Formula(source string) (Result, error) {
	name, expression, err := SplitFormula(source)
	if err != nil {
		return Result{}, err
	}

	clean := stripNoise(expression)
	var deps []string
	seen := map[string]bool{}
	for _, ident := range identRe.FindAllString(clean, -1) {
		dep := store.Normalize(ident)
		if hostBuiltins[dep] || seen[dep] || dep == name {
			continue
		}
		seen[dep] = true
		deps = append(deps, dep)
	}

	return Result{Dependencies: deps, Exports: []string{name}}, nil
}

// Input extracts the export of an input cell. The source text is the bound
// variable name; input cells have no dependencies.
func Input(source string) (Result, error) {
	name := strings.TrimSpace(source)
	if identRe.FindString(name) != name || name == "" {
		return Result{}, fmt.Errorf("input cell binding %q is not an identifier", name)
	}
	if hostBuiltins[name] {
		return Result{}, fmt.Errorf("input cell binding %q collides with a host builtin", name)
	}
	return Result{Exports: []string{store.Normalize(name)}}, nil
}

// Markdown extracts dependencies from {{identifier}} placeholders.
// Markdown cells export nothing.
func Markdown(source string) Result {
	var deps []string
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(source, -1) {
		name := store.Normalize(m[1])
		if hostBuiltins[name] || seen[name] {
			continue
		}
		seen[name] = true
		deps = append(deps, name)
	}
	return Result{Dependencies: deps}
}

// stripNoise removes string literal bodies and line comments so that
// identifier scanning sees only live code. Literal delimiters are replaced
// by empty quotes to preserve statement shape.
func stripNoise(source string) string {
	clean := lineCommentRe.ReplaceAllString(source, "")
	return stringLitRe.ReplaceAllString(clean, `""`)
}
