package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/expr-lang/expr"
)

// Request describes one cell execution.
type Request struct {
	// CellID identifies the cell, for error reporting.
	CellID string

	// Source is the cell's statement sequence.
	Source string

	// Inputs holds the resolved current value of each declared dependency,
	// injected into the execution scope under its variable name. Values are
	// shared references; the sandbox does not defensively copy.
	Inputs map[string]any

	// Mount, when non-nil, is exposed to the cell as "dom". Code cells
	// that request DOM interaction receive a pre-created empty handle.
	Mount *MountHandle

	// Console overrides the default wall-clock console proxy. Tests inject
	// a fixed-clock proxy for deterministic timestamps.
	Console *Console
}

// Export is one {name → value} pair recorded by the cell, in assignment
// order. Re-assigning the same export keeps its position and takes the
// last value.
type Export struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Result reports everything one execution produced. On error, the partial
// captures (console entries, outputs, exports completed before the failing
// statement) are retained.
type Result struct {
	Exports []Export
	Outputs []any
	Console []ConsoleEntry
	Mount   *MountHandle
	Err     error
}

// ExecError wraps a failure inside a cell run with the statement that
// raised it.
type ExecError struct {
	CellID    string
	Line      int
	Statement string
	Err       error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("cell %s line %d: %q: %v", e.CellID, e.Line, e.Statement, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// IsModuleError reports whether err originates from a load() call outside
// the module allow-list. Uses errors.As to handle wrapped errors.
func IsModuleError(err error) bool {
	var me *ModuleError
	return errors.As(err, &me)
}

// Run executes a code cell's statements in order.
//
// The environment starts from the injected inputs and grows as local
// bindings execute; each statement's expression is compiled and evaluated
// against the environment at that point. Cancellation is checked before
// every statement so a superseded run stops at the next statement boundary
// (blocking module calls also honor the context).
func Run(ctx context.Context, req Request) Result {
	console := req.Console
	if console == nil {
		console = NewConsole()
	}
	loader := newModuleLoader(ctx)

	var res Result
	res.Mount = req.Mount

	env := make(map[string]any, len(req.Inputs)+4)
	for name, value := range req.Inputs {
		env[name] = value
	}
	env["console"] = console.Bindings()
	env["out"] = func(values ...any) any {
		res.Outputs = append(res.Outputs, values...)
		return nil
	}

	// load failures pass through expr's runtime error chain; capture the
	// typed error directly so IsModuleError works regardless of how expr
	// wraps it.
	var modErr *ModuleError
	env["load"] = func(name string) (map[string]any, error) {
		mod, err := loader.Load(name)
		if err != nil {
			errors.As(err, &modErr)
			return nil, err
		}
		return mod, nil
	}
	if req.Mount != nil {
		env["dom"] = req.Mount
	}

	exportIndex := make(map[string]int)

	for _, stmt := range splitStatements(req.Source) {
		if err := ctx.Err(); err != nil {
			res.Err = &ExecError{CellID: req.CellID, Line: stmt.line, Statement: stmt.text,
				Err: fmt.Errorf("execution cancelled: %w", err)}
			res.Console = console.Entries()
			return res
		}

		modErr = nil
		value, err := evalExpr(stmt.expr, env)
		if err != nil {
			if modErr != nil {
				err = modErr
			}
			res.Err = &ExecError{CellID: req.CellID, Line: stmt.line, Statement: stmt.text, Err: err}
			res.Console = console.Entries()
			return res
		}

		switch {
		case stmt.exportName != "":
			if i, ok := exportIndex[stmt.exportName]; ok {
				res.Exports[i].Value = value
			} else {
				exportIndex[stmt.exportName] = len(res.Exports)
				res.Exports = append(res.Exports, Export{Name: stmt.exportName, Value: value})
			}
		case stmt.bindName != "":
			env[stmt.bindName] = value
		}
	}

	res.Console = console.Entries()
	return res
}

// Eval evaluates a single expression against the injected inputs. Formula
// cells use this; their scope carries no console, output, or DOM
// primitives.
func Eval(ctx context.Context, expression string, inputs map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("execution cancelled: %w", err)
	}

	env := make(map[string]any, len(inputs))
	for name, value := range inputs {
		env[name] = value
	}
	return evalExpr(expression, env)
}

// evalExpr compiles and runs one expression. Undefined names evaluate to
// nil, matching the store's undefined sentinel for never-defined
// dependencies.
func evalExpr(expression string, env map[string]any) (any, error) {
	program, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	output, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", expression, err)
	}
	return output, nil
}

// markdownPlaceholderRe matches {{identifier}} placeholders.
var markdownPlaceholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// RenderMarkdown substitutes {{identifier}} placeholders with the current
// value of each dependency. Undefined placeholders are left verbatim so
// the reader can see which variable is missing.
func RenderMarkdown(source string, inputs map[string]any) string {
	return markdownPlaceholderRe.ReplaceAllStringFunc(source, func(match string) string {
		name := markdownPlaceholderRe.FindStringSubmatch(match)[1]
		value, ok := inputs[name]
		if !ok {
			return match
		}
		return fmt.Sprint(value)
	})
}
