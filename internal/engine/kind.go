package engine

import "fmt"

// CellKind is the closed set of notebook cell kinds. Each kind binds to
// one execution strategy, selected once at registration time.
type CellKind string

const (
	KindCode     CellKind = "code"
	KindFormula  CellKind = "formula"
	KindInput    CellKind = "input"
	KindMarkdown CellKind = "markdown"
)

// ParseKind validates a cell kind string from external input (documents,
// CLI flags).
func ParseKind(s string) (CellKind, error) {
	switch CellKind(s) {
	case KindCode, KindFormula, KindInput, KindMarkdown:
		return CellKind(s), nil
	default:
		return "", fmt.Errorf("unknown cell kind %q (want code, formula, input, or markdown)", s)
	}
}
