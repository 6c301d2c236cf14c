package quality

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeWireFieldNames(t *testing.T) {
	env := NewEnvelope("BIQTIris")
	env.Metrics["sharpness"] = 12.5
	env.Features["pupil_x"] = 40.0

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(data, &generic))
	assert.Equal(t, float64(0), generic["errorCode"])
	assert.Equal(t, "", generic["message"])
	assert.Equal(t, "BIQTIris", generic["provider"])

	qr, ok := generic["qualityResult"].(map[string]any)
	require.True(t, ok, "qualityResult should be an object")
	entry, ok := qr["BIQTIris"].(map[string]any)
	require.True(t, ok, "qualityResult should be keyed by provider")
	assert.Contains(t, entry, "features")
	assert.Contains(t, entry, "metrics")
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		ErrorCode: CodeDetectionFailed,
		Message:   "detection failed: no pupil found",
		Provider:  "BIQTIris",
		Features: map[string]any{
			"label":  "left",
			"pupil":  map[string]any{"x": 1.0 / 3.0, "y": 2.0},
			"points": []any{1.5, 2.5},
		},
		Metrics: map[string]float64{
			"sharpness": 0.1 + 0.2,
			"contrast":  123456.789012345,
		},
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, *env, decoded)
}

func TestEnvelopeMarshalDeterministic(t *testing.T) {
	env := NewEnvelope("BIQTFace")
	for _, k := range []string{"z", "a", "m", "b"} {
		env.Metrics[k] = 1
	}
	first, err := json.Marshal(env)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := json.Marshal(env)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}

func TestDecodeAcceptsForeignQualityKey(t *testing.T) {
	// Providers written against the Java binding key the result by class name.
	doc := `{"errorCode":0,"message":null,"provider":"BIQTIris",
		"qualityResult":{"IrisProvider":{"features":{"a":1},"metrics":{"q":0.5}}}}`

	env, err := Decode([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "BIQTIris", env.Provider)
	assert.Equal(t, "", env.Message)
	assert.Equal(t, 0.5, env.Metrics["q"])
	assert.Equal(t, 1.0, env.Features["a"])
}

func TestDecodeWithoutQualityResult(t *testing.T) {
	env, err := Decode([]byte(`{"errorCode":3,"message":"no iris","provider":"BIQTIris"}`))
	require.NoError(t, err)
	assert.Equal(t, 3, env.ErrorCode)
	assert.Empty(t, env.Features)
	assert.Empty(t, env.Metrics)
	assert.NotNil(t, env.Metrics)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":            "",
		"not json":         "Segmentation fault",
		"array":            `[1,2]`,
		"null":             `null`,
		"missing code":     `{"provider":"P"}`,
		"fractional code":  `{"errorCode":1.5,"provider":"P"}`,
		"string message":   `{"errorCode":0,"message":7,"provider":"P"}`,
		"metrics not nums": `{"errorCode":0,"provider":"P","qualityResult":{"P":{"metrics":{"q":"high"}}}}`,
		"ambiguous result": `{"errorCode":0,"provider":"P","qualityResult":{"A":{},"B":{}}}`,
		"null code":        `{"errorCode":null,"provider":"P"}`,
		"missing provider": `{"errorCode":0}`,
		"empty provider":   `{"errorCode":0,"provider":""}`,
		"null provider":    `{"errorCode":0,"provider":null}`,
		"null metric":      `{"errorCode":0,"provider":"P","qualityResult":{"P":{"metrics":{"q":null}}}}`,
		"features not obj": `{"errorCode":0,"provider":"P","qualityResult":{"P":{"features":[1]}}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedResponse), "got %v", err)
		})
	}
}

func TestDescribeAttribute(t *testing.T) {
	info := ProviderInfo{
		Name: "BIQTIris",
		Attributes: []Attribute{
			{Name: "sharpness", Description: "Laplacian variance"},
			{Name: "contrast", Description: "Intensity standard deviation"},
		},
	}
	assert.Equal(t, []string{"sharpness", "contrast"}, info.AttributeNames())
	assert.Equal(t, "Laplacian variance", info.DescribeAttribute("sharpness"))
	assert.Equal(t, UnsupportedAttribute, info.DescribeAttribute("nope"))
}
