// Package mcp exposes policy retrieval and answer generation as Model
// Context Protocol tools over stdio.
package mcp

import (
	"context"
	"errors"
	"fmt"

	perrors "github.com/Aman-CERP/policyrag/internal/errors"
)

// MCP error codes.
const (
	// ErrCodeIndexUnavailable means retrieval could not run at all.
	ErrCodeIndexUnavailable = -32001

	// ErrCodeGenerationFailed means the answer model could not be reached.
	ErrCodeGenerationFailed = -32002

	// ErrCodeTimeout means the request timed out or was cancelled.
	ErrCodeTimeout = -32003

	// Standard JSON-RPC error codes.
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCPError is a protocol-level error with a code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts an internal error to an MCPError. Unavailable
// retrieval is reported distinctly from "nothing found", which is not an
// error at all.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var me *MCPError
	if errors.As(err, &me) {
		return me
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request timed out."}
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request was canceled."}
	}

	var pe *perrors.PolicyError
	if !errors.As(err, &pe) {
		return &MCPError{Code: ErrCodeInternalError, Message: "Internal server error."}
	}

	message := pe.Message
	if pe.Suggestion != "" {
		message = fmt.Sprintf("%s %s", pe.Message, pe.Suggestion)
	}

	switch {
	case perrors.IsUnavailable(pe):
		return &MCPError{Code: ErrCodeIndexUnavailable, Message: "Policy search is unavailable: " + message}
	case pe.Code == perrors.ErrCodeGenerationUnavailable:
		return &MCPError{Code: ErrCodeGenerationFailed, Message: message}
	case pe.Category == perrors.CategoryValidation:
		return &MCPError{Code: ErrCodeInvalidParams, Message: message}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: message}
	}
}

// NewInvalidParamsError creates an error for invalid tool arguments.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
}

// NewMethodNotFoundError creates an error for unknown tools.
func NewMethodNotFoundError(name string) *MCPError {
	return &MCPError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("Tool '%s' not found.", name)}
}
