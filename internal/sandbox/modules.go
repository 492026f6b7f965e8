package sandbox

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ModuleError reports a load() call for a module outside the allow-list.
// It is surfaced to guest code as the statement's failure and recorded on
// the cell with a distinct code by the scheduler.
type ModuleError struct {
	Requested string
	Allowed   []string
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module %q is not available (allowed: %s)",
		e.Requested, strings.Join(e.Allowed, ", "))
}

// moduleLoader resolves the allow-listed host modules. Each module is a
// plain map of names to values and functions, which expr-lang exposes to
// guest code as field and call expressions (load("math").Pi).
type moduleLoader struct {
	ctx     context.Context
	modules map[string]map[string]any
}

func newModuleLoader(ctx context.Context) *moduleLoader {
	l := &moduleLoader{ctx: ctx}
	l.modules = map[string]map[string]any{
		"math":    mathModule(),
		"strings": stringsModule(),
		"time":    l.timeModule(),
	}
	return l
}

// AllowedModules lists the loadable module names in sorted order.
func (l *moduleLoader) AllowedModules() []string {
	names := make([]string, 0, len(l.modules))
	for name := range l.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load resolves a module by name, rejecting anything outside the
// allow-list with a descriptive error.
func (l *moduleLoader) Load(name string) (map[string]any, error) {
	mod, ok := l.modules[name]
	if !ok {
		return nil, &ModuleError{Requested: name, Allowed: l.AllowedModules()}
	}
	return mod, nil
}

func mathModule() map[string]any {
	return map[string]any{
		"Pi":    math.Pi,
		"E":     math.E,
		"Sqrt":  math.Sqrt,
		"Pow":   math.Pow,
		"Abs":   math.Abs,
		"Floor": math.Floor,
		"Ceil":  math.Ceil,
		"Round": math.Round,
		"Log":   math.Log,
		"Exp":   math.Exp,
		"Mod":   math.Mod,
	}
}

func stringsModule() map[string]any {
	return map[string]any{
		"Upper":    strings.ToUpper,
		"Lower":    strings.ToLower,
		"Trim":     strings.TrimSpace,
		"Split":    strings.Split,
		"Join":     strings.Join,
		"Contains": strings.Contains,
		"Replace":  strings.ReplaceAll,
		"Repeat":   strings.Repeat,
	}
}

// timeModule exposes deferred-work primitives. Sleep honors the run's
// context so a superseded execution aborts instead of completing late.
func (l *moduleLoader) timeModule() map[string]any {
	return map[string]any{
		"Now": func() time.Time { return time.Now() },
		"Sleep": func(ms int) (bool, error) {
			timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-timer.C:
				return true, nil
			case <-l.ctx.Done():
				return false, l.ctx.Err()
			}
		},
	}
}
