package sandbox

import "time"

// ConsoleLevel tags a captured console entry with its severity.
type ConsoleLevel string

const (
	LevelLog   ConsoleLevel = "log"
	LevelWarn  ConsoleLevel = "warn"
	LevelError ConsoleLevel = "error"
)

// ConsoleEntry is one captured logging call. Args holds the original
// argument values, not a pre-rendered string, so a downstream renderer can
// inspect structured data (maps, slices, errors) directly.
type ConsoleEntry struct {
	Level ConsoleLevel `json:"level"`
	Args  []any        `json:"args"`
	Time  time.Time    `json:"time"`
}

// Console is the capture proxy injected into the cell environment as
// "console". All logging calls issued during execution are appended in
// call order.
//
// The clock is injectable so golden tests can pin timestamps.
type Console struct {
	entries []ConsoleEntry
	now     func() time.Time
}

// NewConsole creates a console proxy using the wall clock.
func NewConsole() *Console {
	return &Console{now: time.Now}
}

// NewConsoleAt creates a console proxy with a fixed clock for
// deterministic tests.
func NewConsoleAt(now func() time.Time) *Console {
	return &Console{now: now}
}

func (c *Console) append(level ConsoleLevel, args []any) any {
	c.entries = append(c.entries, ConsoleEntry{
		Level: level,
		Args:  args,
		Time:  c.now(),
	})
	return nil
}

// Log captures an entry at level "log".
func (c *Console) Log(args ...any) any { return c.append(LevelLog, args) }

// Warn captures an entry at level "warn".
func (c *Console) Warn(args ...any) any { return c.append(LevelWarn, args) }

// Error captures an entry at level "error".
func (c *Console) Error(args ...any) any { return c.append(LevelError, args) }

// Entries returns the captured entries in call order.
func (c *Console) Entries() []ConsoleEntry {
	return c.entries
}

// Bindings returns the guest-visible proxy: lowercase console.log /
// console.warn / console.error, matching the notebook convention.
func (c *Console) Bindings() map[string]any {
	return map[string]any{
		"log":   c.Log,
		"warn":  c.Warn,
		"error": c.Error,
	}
}
