package quality

import "errors"

// Error codes carried in Envelope.ErrorCode. Zero is the only success value.
const (
	CodeOK                  = 0
	CodeUnreadableInput     = 1
	CodeUnsupportedInput    = 2
	CodeDetectionFailed     = 3
	CodeInternalFailure     = 4
	CodeTimeout             = 5
	CodeAbnormalTermination = -1
)

// ErrMalformedResponse marks provider output that cannot be read as an
// envelope. It is a protocol violation, not a provider-reported failure.
var ErrMalformedResponse = errors.New("malformed provider response")

// Envelope is the uniform result of a single provider evaluation.
type Envelope struct {
	ErrorCode int
	Message   string
	Provider  string
	Features  map[string]any
	Metrics   map[string]float64
}

// Succeeded reports whether the provider completed without error.
func (e *Envelope) Succeeded() bool {
	return e != nil && e.ErrorCode == CodeOK
}

// NewEnvelope returns an empty successful envelope for provider.
func NewEnvelope(provider string) *Envelope {
	return &Envelope{
		Provider: provider,
		Features: map[string]any{},
		Metrics:  map[string]float64{},
	}
}

// Failure builds an envelope reporting a nonzero code.
func Failure(provider string, code int, message string) *Envelope {
	env := NewEnvelope(provider)
	env.ErrorCode = code
	env.Message = message
	return env
}
