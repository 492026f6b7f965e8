// Package extract infers the variable names a cell reads (dependencies)
// and produces (exports) from its source text.
//
// Extraction is a conservative static scan, not dataflow analysis: code
// cells are searched for occurrences of already-known variable names and
// for assignments to the designated exports object; formula cells yield the
// free identifiers of their single expression; markdown cells yield every
// {{identifier}} placeholder. The output is a pure, ordered, de-duplicated
// list so tests can pin exact extraction behavior independent of the
// scheduler.
//
// Host builtins (console, math, load, ...) are excluded through a denylist
// to avoid spurious graph edges to names no cell will ever define.
package extract
