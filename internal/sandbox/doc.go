// Package sandbox runs one cell's code in an isolated scope.
//
// A cell's source is a sequence of statements (split on newlines and
// semicolons) of three forms:
//
//	exports.NAME = EXPR   record an export
//	NAME = EXPR           bind a cell-local value
//	EXPR                  evaluate for its side effects
//
// Expressions are compiled and evaluated with expr-lang against an
// environment holding the resolved values of the cell's dependencies, the
// cell's locals, and the host primitives:
//
//	console   capture proxy (Log / Warn / Error), entries kept in call
//	          order with structured arguments
//	out(...)  append display values without requiring an export
//	load(s)   resolve an allow-listed host module (math, strings, time)
//	dom       pre-created mount handle, code cells only
//
// A failing statement stops the run; everything captured up to that point
// (console entries, outputs, completed exports) is preserved on the Result.
// Cancellation is checked between statements and inside blocking module
// calls, so a superseded run aborts instead of finishing late.
package sandbox
