package engine

import (
	"errors"
	"fmt"
	"strings"
)

// SchedulerError represents an error detected by the scheduler.
//
// Structural errors (cycles) are whole-operation failures: the graph
// cannot be built and nothing executes. Per-cell errors (execution,
// module resolution) are contained to the cell record and never surface
// through this type.
type SchedulerError struct {
	// Code identifies the error category.
	Code SchedulerErrorCode

	// Message is a human-readable description.
	Message string

	// CellID identifies the affected cell, when one is implicated.
	CellID string

	// Cycle holds the offending cell path for cycle errors,
	// e.g. ["cell-a", "cell-b", "cell-a"].
	Cycle []string
}

// SchedulerErrorCode categorizes scheduler errors.
type SchedulerErrorCode string

const (
	// ErrCodeCycleDetected indicates the dependency graph contains a cycle.
	ErrCodeCycleDetected SchedulerErrorCode = "CYCLE_DETECTED"

	// ErrCodeUnknownCell indicates an operation referenced an unregistered
	// cell id.
	ErrCodeUnknownCell SchedulerErrorCode = "UNKNOWN_CELL"

	// ErrCodeDuplicateCell indicates a registration reused an existing id.
	ErrCodeDuplicateCell SchedulerErrorCode = "DUPLICATE_CELL"

	// ErrCodeExportConflict indicates two cells export the same variable.
	ErrCodeExportConflict SchedulerErrorCode = "EXPORT_CONFLICT"

	// ErrCodeTickBudget indicates a propagation tick exceeded its run
	// budget. The acyclic-graph invariant should make this unreachable;
	// it is the runtime backstop for that assumption.
	ErrCodeTickBudget SchedulerErrorCode = "TICK_BUDGET_EXCEEDED"

	// ErrCodeInvalidCell indicates a cell's source failed extraction
	// (malformed formula, invalid input binding).
	ErrCodeInvalidCell SchedulerErrorCode = "INVALID_CELL"
)

// Error implements the error interface.
func (e *SchedulerError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, strings.Join(e.Cycle, " → "))
	}
	if e.CellID != "" {
		return fmt.Sprintf("%s: %s (cell=%s)", e.Code, e.Message, e.CellID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCycleError reports whether err is a dependency cycle error.
// Uses errors.As to handle wrapped errors.
func IsCycleError(err error) bool {
	var se *SchedulerError
	return errors.As(err, &se) && se.Code == ErrCodeCycleDetected
}

// IsUnknownCellError reports whether err references an unregistered cell.
func IsUnknownCellError(err error) bool {
	var se *SchedulerError
	return errors.As(err, &se) && se.Code == ErrCodeUnknownCell
}

// NewCycleError creates a SchedulerError for a detected dependency cycle.
func NewCycleError(cycle []string) *SchedulerError {
	return &SchedulerError{
		Code:    ErrCodeCycleDetected,
		Message: "dependency cycle in cell graph",
		Cycle:   cycle,
	}
}

// NewUnknownCellError creates a SchedulerError for a missing cell id.
func NewUnknownCellError(id string) *SchedulerError {
	return &SchedulerError{
		Code:    ErrCodeUnknownCell,
		Message: "cell is not registered",
		CellID:  id,
	}
}
