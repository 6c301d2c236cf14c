package logging

import "fmt"

// OperationError annotates an error with the operation, request and,
// when known, the provider it concerns.
type OperationError struct {
	Operation string
	RequestID string
	Provider  string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	op := e.Operation
	if e.Provider != "" {
		op = fmt.Sprintf("%s[%s]", op, e.Provider)
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s): %v", op, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s: %v", op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps an error with structured context about where it occurred.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// NewProviderError is NewOperationError for failures tied to one provider.
func NewProviderError(operation, requestID, provider string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Provider: provider, Err: err}
}
