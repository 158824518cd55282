package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/syncvault/internal/config"
	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/keys"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (not found, conflict, untrusted content, ...)
	ExitCommandError = 2 // Command error (bad arguments, unreadable config, wrong password)
)

// Error codes reported in JSON output.
const (
	ErrCodeGeneric   = "E001" // Generic/unknown error
	ErrCodeConfig    = "E002" // Config missing or invalid
	ErrCodeArgs      = "E003" // Bad arguments or path
	ErrCodePassword  = "E004" // Identity could not be unlocked
	ErrCodeRemote    = "E005" // Remote call failed
	ErrCodeNotFound  = "E101"
	ErrCodeConflict  = "E102"
	ErrCodeDeleted   = "E103"
	ErrCodeWrongType = "E104"
	ErrCodeUntrusted = "E105"
	ErrCodeSignature = "E106"
	ErrCodeExists    = "E107"
)

var kindCodes = map[failure.Kind]string{
	failure.KindNotFound:         ErrCodeNotFound,
	failure.KindConflict:         ErrCodeConflict,
	failure.KindDeleted:          ErrCodeDeleted,
	failure.KindWrongType:        ErrCodeWrongType,
	failure.KindUntrusted:        ErrCodeUntrusted,
	failure.KindInvalidSignature: ErrCodeSignature,
	failure.KindAlreadyCreated:   ErrCodeExists,
}

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
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

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// errorCode picks the JSON error code for err.
func errorCode(err error) string {
	if kind, ok := failure.KindOf(err); ok {
		return kindCodes[kind]
	}
	switch {
	case errors.Is(err, config.ErrInvalid):
		return ErrCodeConfig
	case errors.Is(err, keys.ErrBadPassword):
		return ErrCodePassword
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code == ExitCommandError {
		return ErrCodeArgs
	}
	return ErrCodeGeneric
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Success outputs data. In text mode text renders it; a nil text prints
// data with %v.
func (f *OutputFormatter) Success(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	if text != nil {
		text(f.Writer)
		return nil
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error reports err in the configured format.
func (f *OutputFormatter) Error(err error) error {
	body := &CLIError{Code: errorCode(err), Message: err.Error()}
	if kind, ok := failure.KindOf(err); ok {
		body.Kind = string(kind)
	}
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "error", Error: body})
	}
	_, werr := fmt.Fprintf(f.GetErrWriter(), "Error [%s]: %s\n", body.Code, body.Message)
	return werr
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
