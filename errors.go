package qms

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Custom errors
var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrNotFound               = errors.New("resource not found")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrConcurrentModification = errors.New("record was modified concurrently")
	ErrSchemaNotReady         = errors.New("schema not ready")
)

// ErrorCode is the stable machine-readable reason attached to a ValidationError.
type ErrorCode string

const (
	CodeInvalidInput          ErrorCode = "INVALID_INPUT"
	CodeSelfDelegation        ErrorCode = "SELF_DELEGATION"
	CodeNotSubordinate        ErrorCode = "NOT_SUBORDINATE"
	CodePermissionNotHeld     ErrorCode = "PERMISSION_NOT_HELD"
	CodeUnknownPermission     ErrorCode = "UNKNOWN_PERMISSION"
	CodeNotDelegator          ErrorCode = "NOT_DELEGATOR"
	CodeInvalidTransition     ErrorCode = "INVALID_TRANSITION"
	CodeNotCreator            ErrorCode = "NOT_CREATOR"
	CodeNotCurrentApprover    ErrorCode = "NOT_CURRENT_APPROVER"
	CodeReasonRequired        ErrorCode = "REASON_REQUIRED"
	CodeNoApprover            ErrorCode = "NO_APPROVER"
	CodeNotEditable           ErrorCode = "NOT_EDITABLE"
	CodeReadOnlyRole          ErrorCode = "READ_ONLY_ROLE"
	CodeInsufficientTier      ErrorCode = "INSUFFICIENT_TIER"
	CodeSelfVerification      ErrorCode = "SELF_VERIFICATION"
	CodeNotAssignee           ErrorCode = "NOT_ASSIGNEE"
	CodeAssigneeCannotApprove ErrorCode = "ASSIGNEE_CANNOT_APPROVE"
	CodeTemplateNotAuthorized ErrorCode = "TEMPLATE_NOT_AUTHORIZED"
	CodeManagerCycle          ErrorCode = "MANAGER_CYCLE"
	CodeSystemRole            ErrorCode = "SYSTEM_ROLE"
)

// ValidationError is a rule violation the caller can render to the user.
type ValidationError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(code ErrorCode, msg string) *ValidationError {
	return &ValidationError{Code: code, Message: msg, Err: ErrInvalidInput}
}

func badTransition(msg string) *ValidationError {
	return &ValidationError{Code: CodeInvalidTransition, Message: msg, Err: ErrInvalidTransition}
}

func denied(code ErrorCode, msg string) *ValidationError {
	return &ValidationError{Code: code, Message: msg, Err: ErrPermissionDenied}
}

// AuthorizationError is returned by guard points such as Authorizer.Authorize.
type AuthorizationError struct {
	UserID     uuid.UUID
	Permission string
	Message    string
}

func (e *AuthorizationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("user %s lacks permission %s", e.UserID, e.Permission)
}

func (e *AuthorizationError) Unwrap() error {
	return ErrPermissionDenied
}

// CodeOf extracts the ErrorCode of a ValidationError anywhere in err's chain.
func CodeOf(err error) ErrorCode {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}
