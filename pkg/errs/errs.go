// Package errs defines the error taxonomy shared by the tool registry, the
// MCP HTTP surface, the MCP client and the agent engine.
//
// Every boundary exchanges the same envelope shape:
//
//	{"error": {"code": "...", "message": "...", "details": {...}}}
//
// Exceptions never cross package boundaries as raw errors: they are mapped to
// an Envelope at the edge and carried as values from there on.
package errs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Code classifies a failure for both HTTP clients and the LLM.
type Code string

const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeConflict     Code = "CONFLICT"
	CodeNotFound     Code = "NOT_FOUND"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeCancelled    Code = "CANCELLED"
	CodeInternal     Code = "INTERNAL"
)

// Envelope is the uniform structured error carried across HTTP and library
// boundaries. It implements error so envelopes can travel through ordinary
// error returns.
type Envelope struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Envelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates an envelope with the given code and message.
func New(code Code, format string, args ...any) *Envelope {
	return &Envelope{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of the envelope carrying extra details.
func (e *Envelope) WithDetails(details map[string]any) *Envelope {
	return &Envelope{Code: e.Code, Message: e.Message, Details: details}
}

// Wire is the on-the-wire wrapper: {"error": {...}}.
type Wire struct {
	Error *Envelope `json:"error"`
}

// Wrap returns the wire form of an envelope.
func (e *Envelope) Wrap() Wire {
	return Wire{Error: e}
}

// FromError maps an arbitrary error to an envelope.
//
// Already-enveloped errors pass through unchanged. Well-known error kinds map
// to their taxonomy codes (missing file → NOT_FOUND, permission → UNAUTHORIZED,
// directory-where-file-expected → VALIDATION_ERROR). Everything else becomes
// INTERNAL with the error type recorded in details.
func FromError(err error) *Envelope {
	if err == nil {
		return nil
	}
	var env *Envelope
	if errors.As(err, &env) {
		return env
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return New(CodeNotFound, "%s", err.Error())
	case errors.Is(err, fs.ErrPermission):
		return New(CodeUnauthorized, "%s", err.Error())
	case isDirectoryError(err):
		return New(CodeValidation, "%s", err.Error())
	}
	return &Envelope{
		Code:    CodeInternal,
		Message: err.Error(),
		Details: map[string]any{"type": fmt.Sprintf("%T", err), "message": err.Error()},
	}
}

// isDirectoryError reports whether err is an is-a-directory style PathError.
func isDirectoryError(err error) bool {
	var pathErr *os.PathError
	if !errors.As(err, &pathErr) {
		return false
	}
	return pathErr.Err != nil && pathErr.Err.Error() == "is a directory"
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	var env *Envelope
	return errors.As(err, &env) && env.Code == code
}
