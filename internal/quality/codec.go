package quality

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type wireEnvelope struct {
	ErrorCode     int                    `json:"errorCode"`
	Message       string                 `json:"message"`
	Provider      string                 `json:"provider"`
	QualityResult map[string]wireQuality `json:"qualityResult"`
}

type wireQuality struct {
	Features map[string]any     `json:"features"`
	Metrics  map[string]float64 `json:"metrics"`
}

// MarshalJSON writes the envelope in the BIQT wire format. The quality
// result is keyed by the provider name.
func (e Envelope) MarshalJSON() ([]byte, error) {
	features := e.Features
	if features == nil {
		features = map[string]any{}
	}
	metrics := e.Metrics
	if metrics == nil {
		metrics = map[string]float64{}
	}
	return json.Marshal(wireEnvelope{
		ErrorCode: e.ErrorCode,
		Message:   e.Message,
		Provider:  e.Provider,
		QualityResult: map[string]wireQuality{
			e.Provider: {Features: features, Metrics: metrics},
		},
	})
}

// UnmarshalJSON reads the BIQT wire format. Any structural problem is
// reported as ErrMalformedResponse.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*e = *decoded
	return nil
}

// Decode parses a wire-format envelope produced by a provider.
func Decode(data []byte) (*Envelope, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedResponse)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: document is not an object", ErrMalformedResponse)
	}

	env := NewEnvelope("")

	rawCode, ok := fields["errorCode"]
	if !ok {
		return nil, fmt.Errorf("%w: missing errorCode", ErrMalformedResponse)
	}
	var code *int
	if err := json.Unmarshal(rawCode, &code); err != nil {
		return nil, fmt.Errorf("%w: errorCode: %v", ErrMalformedResponse, err)
	}
	if code == nil {
		return nil, fmt.Errorf("%w: errorCode is null", ErrMalformedResponse)
	}
	env.ErrorCode = *code

	if err := decodeOptionalString(fields, "message", &env.Message); err != nil {
		return nil, err
	}
	if err := decodeOptionalString(fields, "provider", &env.Provider); err != nil {
		return nil, err
	}
	if strings.TrimSpace(env.Provider) == "" {
		return nil, fmt.Errorf("%w: missing provider", ErrMalformedResponse)
	}

	rawResult, ok := fields["qualityResult"]
	if !ok || isNull(rawResult) {
		return env, nil
	}

	var results map[string]json.RawMessage
	if err := json.Unmarshal(rawResult, &results); err != nil {
		return nil, fmt.Errorf("%w: qualityResult: %v", ErrMalformedResponse, err)
	}

	raw, ok := results[env.Provider]
	if !ok {
		switch len(results) {
		case 0:
			return env, nil
		case 1:
			for _, only := range results {
				raw = only
			}
		default:
			return nil, fmt.Errorf("%w: qualityResult has no entry for provider %q", ErrMalformedResponse, env.Provider)
		}
	}

	var quality struct {
		Features map[string]any      `json:"features"`
		Metrics  map[string]*float64 `json:"metrics"`
	}
	if err := json.Unmarshal(raw, &quality); err != nil {
		return nil, fmt.Errorf("%w: quality result: %v", ErrMalformedResponse, err)
	}
	if quality.Features != nil {
		env.Features = quality.Features
	}
	for key, value := range quality.Metrics {
		if value == nil {
			return nil, fmt.Errorf("%w: metric %q is null", ErrMalformedResponse, key)
		}
		env.Metrics[key] = *value
	}
	return env, nil
}

func decodeOptionalString(fields map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, key, err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
