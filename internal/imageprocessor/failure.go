package imageprocessor

import (
	"errors"

	"github.com/example/biqt/internal/quality"
)

// FailureEnvelope converts a Load error into the envelope a provider reports.
func FailureEnvelope(provider string, err error) *quality.Envelope {
	switch {
	case errors.Is(err, ErrUnreadable):
		return quality.Failure(provider, quality.CodeUnreadableInput, err.Error())
	case errors.Is(err, ErrUnsupportedFormat):
		return quality.Failure(provider, quality.CodeUnsupportedInput, err.Error())
	default:
		return quality.Failure(provider, quality.CodeInternalFailure, err.Error())
	}
}
