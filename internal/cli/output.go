package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the command ran but found a problem, e.g. ops left failed
	ExitCommandError = 2 // bad flags, unreadable config, storage unavailable
)

// ExitError carries the process exit code for an error.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from err. Errors without one exit
// with ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the envelope of every --format json result.
type Response struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *ErrorOut `json:"error,omitempty"`
}

// ErrorOut is the error part of a Response.
type ErrorOut struct {
	Code    string `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

type output struct {
	format string
	w      io.Writer
}

// result writes data as JSON, or calls text to render it for humans.
func (o output) result(data any, text func(w io.Writer) error) error {
	if o.format == "json" {
		return writeJSON(o.w, Response{Status: "ok", Data: data})
	}
	tw := tabwriter.NewWriter(o.w, 0, 4, 2, ' ', 0)
	if err := text(tw); err != nil {
		return err
	}
	return tw.Flush()
}

// failure renders err in the selected format.
func (o output) failure(err error) {
	if o.format == "json" {
		_ = writeJSON(o.w, Response{Status: "error", Error: &ErrorOut{
			Code:    string(syncErrors.CodeOf(err)),
			Kind:    string(syncErrors.KindOf(err)),
			Message: err.Error(),
		}})
		return
	}
	fmt.Fprintf(o.w, "error: %v\n", err)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
