// Package errors provides standardized error handling for the streamroom server.
//
// Every error that can reach a client — over the WebSocket wire or the small
// HTTP surface — is represented as an AppError: a stable machine-readable
// Code, a human Message, optional Details, and a classification used to pick
// an HTTP status when one applies. On the socket, AppError renders as the
// `error` frame `{code, message, details?}`; on HTTP it renders as JSON with
// the matching status code.
package errors

import (
	"fmt"
	"net/http"
	"path/filepath"
)

// AppError represents a standardized application error.
type AppError struct {
	// Code is a machine-readable error identifier, UPPER_SNAKE_CASE.
	// This is the value sent in the wire `error` frame's `code` field.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Details provides additional context for debugging (optional).
	Details string `json:"details,omitempty"`

	// StatusCode is the HTTP status used when this error reaches an HTTP
	// handler. Not meaningful on the WebSocket wire and never serialized
	// into the `error` frame.
	StatusCode int `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorFrame is the wire shape of the `error` server->client message.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ToFrame converts the AppError to the wire error frame payload.
func (e *AppError) ToFrame() ErrorFrame {
	return ErrorFrame{Code: e.Code, Message: e.Message, Details: e.Details}
}

// ErrorResponse is the JSON shape used on the plain HTTP surface.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Error codes, fixed per the wire protocol. Clients match on Code, never on
// Message text.
const (
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeInvalidPath      = "INVALID_PATH"
	CodeProjectNesting   = "PROJECT_NESTING"
	CodeProjectNotFound  = "PROJECT_NOT_FOUND"
	CodeProjectLimit     = "PROJECT_LIMIT"
	CodeExecutionTimeout = "EXECUTION_TIMEOUT"
	CodeClaudeNotFound   = "CLAUDE_NOT_FOUND"
	CodeProcessActive    = "PROCESS_ACTIVE"
	CodeExecutionKilled  = "EXECUTION_KILLED"
	CodeResourceLimit    = "RESOURCE_LIMIT"
	CodeInternalError    = "INTERNAL_ERROR"
)

// New creates a new AppError for the given wire code.
func New(code string, message string) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusForCode(code)}
}

// NewWithDetails creates a new AppError carrying extra debugging context.
func NewWithDetails(code string, message string, details string) *AppError {
	return &AppError{Code: code, Message: message, Details: details, StatusCode: statusForCode(code)}
}

// Wrap folds an underlying error into an AppError's Details.
func Wrap(code string, message string, err error) *AppError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return NewWithDetails(code, message, details)
}

func statusForCode(code string) int {
	switch code {
	case CodeInvalidMessage, CodeInvalidPath:
		return http.StatusBadRequest
	case CodeProjectNotFound:
		return http.StatusNotFound
	case CodeProjectNesting, CodeProcessActive:
		return http.StatusConflict
	case CodeProjectLimit, CodeResourceLimit:
		return http.StatusTooManyRequests
	case CodeExecutionTimeout, CodeExecutionKilled:
		return http.StatusGatewayTimeout
	case CodeClaudeNotFound:
		return http.StatusFailedDependency
	case CodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (e *AppError) ToResponse() ErrorResponse {
	return ErrorResponse{Error: e.Code, Message: e.Message, Code: e.Code, Details: e.Details}
}

// Convenience constructors, one per wire error code.

func InvalidMessage(message string) *AppError {
	return New(CodeInvalidMessage, message)
}

func InvalidPath(message string) *AppError {
	return New(CodeInvalidPath, message)
}

// ProjectNesting reports that path overlaps an existing project. Only the
// final path component is echoed back; the full absolute path is never
// placed on the wire, since it can extend outside the data root and reveal
// server filesystem layout to the client.
func ProjectNesting(path string) *AppError {
	return New(CodeProjectNesting, fmt.Sprintf("path overlaps an existing project: %s", filepath.Base(path)))
}

func ProjectNotFound(projectID string) *AppError {
	return New(CodeProjectNotFound, fmt.Sprintf("project %s not found", projectID))
}

func ProjectLimit() *AppError {
	return New(CodeProjectLimit, "maximum number of projects reached")
}

func ExecutionTimeout() *AppError {
	return New(CodeExecutionTimeout, "execution exceeded its deadline")
}

func ClaudeNotFound(details string) *AppError {
	return NewWithDetails(CodeClaudeNotFound, "agent CLI binary not found or not executable", details)
}

func ProcessActive(projectID string) *AppError {
	return New(CodeProcessActive, fmt.Sprintf("project %s already has an execution in progress", projectID))
}

// ExecutionKilled reports that an execution ended because agent_kill was
// requested, distinct from CodeProcessActive (which means an execution is
// already running, not that one was just stopped).
func ExecutionKilled() *AppError {
	return New(CodeExecutionKilled, "execution killed")
}

func ResourceLimit(message string) *AppError {
	return New(CodeResourceLimit, message)
}

func Internal(message string) *AppError {
	return New(CodeInternalError, message)
}

func InternalWrap(err error) *AppError {
	return Wrap(CodeInternalError, "an internal error occurred", err)
}
