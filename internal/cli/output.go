package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for notebook commands.
const (
	ExitSuccess      = 0 // notebook executed cleanly
	ExitFailure      = 1 // cell failures, cycles, validation errors
	ExitCommandError = 2 // bad flags, missing files, run log errors
)

// ExitError carries an exit code alongside the error so main can map
// command failures onto process status without string matching.
type ExitError struct {
	Code    int
	Message string
	Err     error // optional underlying cause
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError builds an ExitError with no underlying cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches an exit code to an existing error.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the code carried by err, or ExitFailure when err
// is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Error codes reported in JSON output, stable across commands.
const (
	ErrCodeGeneric    = "E001" // unclassified failure
	ErrCodeNotFound   = "E002" // notebook or run log file missing
	ErrCodeParse      = "E003" // YAML or schema rejection
	ErrCodeStructural = "E004" // dependency cycle or export conflict
	ErrCodeDatabase   = "E005" // run log read or write failure
	ErrCodeExecution  = "E006" // one or more cells failed to run
)

// Response is the envelope every JSON-mode command emits: exactly one
// of Data or Error is set, discriminated by Status.
type Response struct {
	Status string       `json:"status"` // "ok" or "error"
	Data   any          `json:"data,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail is the machine-readable error half of a Response.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Printer writes command results in the format selected by --format.
type Printer struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics go here when set, so JSON stays parseable
	Verbose   bool
}

func (p *Printer) encode(resp Response) error {
	enc := json.NewEncoder(p.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// JSON emits data wrapped in a success Response.
func (p *Printer) JSON(data any) error {
	return p.encode(Response{Status: "ok", Data: data})
}

// Error reports a failure in the selected format. In text mode details
// are shown only with --verbose.
func (p *Printer) Error(code, message string, details any) error {
	if p.Format == "json" {
		return p.encode(Response{
			Status: "error",
			Error:  &ErrorDetail{Code: code, Message: message, Details: details},
		})
	}

	fmt.Fprintf(p.Writer, "Error [%s]: %s\n", code, message)
	if p.Verbose && details != nil {
		fmt.Fprintf(p.Writer, "Details: %v\n", details)
	}
	return nil
}

// Verbosef prints a diagnostic line when --verbose is on, preferring
// ErrWriter so JSON output on Writer is never interleaved.
func (p *Printer) Verbosef(format string, args ...any) {
	if !p.Verbose {
		return
	}
	w := p.ErrWriter
	if w == nil {
		w = p.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
