package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownProvider matches every *UnknownProviderError.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrShutdown is returned by calls made after Shutdown.
	ErrShutdown = errors.New("dispatcher is shut down")
)

// UnknownProviderError reports a provider name missing from the registry.
type UnknownProviderError struct {
	Name string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("provider %q not found", e.Name)
}

// Is lets errors.Is match ErrUnknownProvider.
func (e *UnknownProviderError) Is(target error) bool {
	return target == ErrUnknownProvider
}
