package tools

import "strings"

// ErrorCode is a stable, machine-readable tool error code.
type ErrorCode string

const (
	ErrorCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrorCodeInvalidArgs      ErrorCode = "INVALID_ARGS"
	ErrorCodeInvalidPath      ErrorCode = "INVALID_PATH"
	ErrorCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrorCodeSandboxViolation ErrorCode = "SANDBOX_VIOLATION"
	ErrorCodeUpstream         ErrorCode = "UPSTREAM_ERROR"
	ErrorCodeTimeout          ErrorCode = "TIMEOUT"
	ErrorCodeCanceled         ErrorCode = "CANCELED"
	ErrorCodeUnknown          ErrorCode = "UNKNOWN"
)

// ToolError carries structured tool failure metadata. It is surfaced to the
// model as a tool result, not as a turn failure.
type ToolError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Code) + ": " + e.Message
}

func (e *ToolError) Normalize() {
	if e == nil {
		return
	}
	e.Message = strings.TrimSpace(e.Message)
	if e.Message == "" {
		e.Message = "Tool failed"
	}
	if e.Code == "" {
		e.Code = ErrorCodeUnknown
	}
}

func NewToolError(code ErrorCode, message string) *ToolError {
	e := &ToolError{Code: code, Message: message}
	e.Normalize()
	return e
}
