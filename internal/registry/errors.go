package registry

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRegistryInitialization matches every *InitializationError.
	ErrRegistryInitialization = errors.New("registry initialization failed")
	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("registry already initialized")
	// ErrNotInitialized is returned by lookups before Initialize succeeded.
	ErrNotInitialized = errors.New("registry not initialized")
	// ErrProviderNotFound is returned by FindByName for unknown names.
	ErrProviderNotFound = errors.New("provider not found")
)

// InitializationError explains why the registry could not be populated.
type InitializationError struct {
	Reason string
	// Names lists the offending provider names for duplicate registrations.
	Names []string
	Err   error
}

func (e *InitializationError) Error() string {
	msg := "registry initialization failed: " + e.Reason
	if len(e.Names) > 0 {
		msg += fmt.Sprintf(" (%s)", strings.Join(e.Names, ", "))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is lets errors.Is match ErrRegistryInitialization.
func (e *InitializationError) Is(target error) bool {
	return target == ErrRegistryInitialization
}

func (e *InitializationError) Unwrap() error { return e.Err }
