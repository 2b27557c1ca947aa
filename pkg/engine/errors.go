package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for propagation and HTTP mapping.
type ErrorClass string

const (
	// ErrorClassValidation indicates a malformed or unsupported request.
	// Raised before admission, no order row exists.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassAuthorization indicates the caller does not own the deployment.
	ErrorClassAuthorization ErrorClass = "authorization"

	// ErrorClassConflict indicates a lock flag or an in-flight order blocked admission.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassNotFound indicates the referenced deployment, order or saga does not exist.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassExecution indicates the deployer rejected or failed the work.
	// Recorded on the order, observable only through polling.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassSaga indicates a saga exhausted its retries or received an invalid decision.
	ErrorClassSaga ErrorClass = "saga"

	// ErrorClassInternal indicates an infrastructure failure.
	ErrorClassInternal ErrorClass = "internal"
)

// BrokerError represents a classified error with context.
type BrokerError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the deployment, order or saga id the error refers to.
	Resource string `json:"resource,omitempty"`

	// Operation is the task type being requested when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *BrokerError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *BrokerError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// A target without a code matches any error of the same class.
func (e *BrokerError) Is(target error) bool {
	t, ok := target.(*BrokerError)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Class == t.Class
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, code, message string, err error) *BrokerError {
	return &BrokerError{
		Class:   class,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(code, message string) *BrokerError {
	if code == "" {
		code = ErrCodeValidation
	}
	return newError(ErrorClassValidation, code, message, nil)
}

// NewAuthorizationError creates a new authorization error.
func NewAuthorizationError(message string) *BrokerError {
	return newError(ErrorClassAuthorization, ErrCodePermissionDenied, message, nil)
}

// NewConflictError creates a new conflict error.
func NewConflictError(code, message string) *BrokerError {
	return newError(ErrorClassConflict, code, message, nil)
}

// NewNotFoundError creates a new not found error.
func NewNotFoundError(kind, id string) *BrokerError {
	return newError(ErrorClassNotFound, ErrCodeNotFound, fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithResource(id)
}

// NewExecutionFailure creates a new execution failure.
func NewExecutionFailure(code, message string, err error) *BrokerError {
	if code == "" {
		code = ErrCodeExecutionFailed
	}
	return newError(ErrorClassExecution, code, message, err)
}

// NewSagaFailure creates a new saga failure.
func NewSagaFailure(code, message string) *BrokerError {
	return newError(ErrorClassSaga, code, message, nil)
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *BrokerError {
	return newError(ErrorClassInternal, ErrCodeInternal, message, err)
}

// WithResource adds resource context to an error.
func (e *BrokerError) WithResource(resourceID string) *BrokerError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *BrokerError) WithOperation(operation string) *BrokerError {
	e.Operation = operation
	return e
}

// WithCode overrides the error code.
func (e *BrokerError) WithCode(code string) *BrokerError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *BrokerError) WithDetail(key string, value interface{}) *BrokerError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *BrokerError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// CodeOf returns the error code of a BrokerError in the chain, or ErrCodeInternal.
func CodeOf(err error) string {
	var e *BrokerError
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return ErrCodeInternal
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassValidation
}

// IsAuthorization returns true if the error is classified as an authorization error.
func IsAuthorization(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassAuthorization
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsNotFound returns true if the error is classified as not found.
func IsNotFound(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassNotFound
}

// IsExecutionFailure returns true if the error is classified as an execution failure.
func IsExecutionFailure(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassExecution
}

// IsSagaFailure returns true if the error is classified as a saga failure.
func IsSagaFailure(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassSaga
}

// IsPreAdmission returns true for errors returned synchronously before any order row exists.
func IsPreAdmission(err error) bool {
	return IsValidation(err) || IsAuthorization(err) || IsConflict(err) || IsNotFound(err)
}

// Error codes.
const (
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeTemplateNotFound       = "TEMPLATE_NOT_FOUND"
	ErrCodeTemplateUnavailable    = "TEMPLATE_UNAVAILABLE"
	ErrCodeBillingModeUnsupported = "BILLING_MODE_UNSUPPORTED"
	ErrCodeEulaNotAccepted        = "EULA_NOT_ACCEPTED"
	ErrCodePolicyDenied           = "POLICY_DENIED"
	ErrCodePluginNotFound         = "PLUGIN_NOT_FOUND"
	ErrCodePermissionDenied       = "PERMISSION_DENIED"
	ErrCodeServiceLocked          = "SERVICE_LOCKED"
	ErrCodeOrderInProgress        = "ORDER_ALREADY_IN_PROGRESS"
	ErrCodeInvalidTransition      = "INVALID_STATE_TRANSITION"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeSubmissionFailed       = "SUBMISSION_FAILED"
	ErrCodeExecutionFailed        = "EXECUTION_FAILED"
	ErrCodeSagaRetriesExhausted   = "SAGA_RETRIES_EXHAUSTED"
	ErrCodeSagaNotAwaiting        = "SAGA_NOT_AWAITING_DECISION"
	ErrCodeInternal               = "INTERNAL_ERROR"
)

// Sentinel targets for errors.Is checks.
var (
	ErrServiceLocked          = &BrokerError{Class: ErrorClassConflict, Code: ErrCodeServiceLocked}
	ErrOrderAlreadyInProgress = &BrokerError{Class: ErrorClassConflict, Code: ErrCodeOrderInProgress}
	ErrInvalidTransition      = &BrokerError{Class: ErrorClassConflict, Code: ErrCodeInvalidTransition}
	ErrNotFound               = &BrokerError{Class: ErrorClassNotFound}
)
