// Package quality defines the provider contract shared by every analysis
// backend: identity metadata, the evaluation call and its result envelope.
package quality

import "context"

// UnsupportedAttribute is returned by DescribeAttribute for unknown names.
const UnsupportedAttribute = "This module does not support the specified attribute."

// Attribute documents one feature or metric a provider emits.
type Attribute struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ProviderInfo is the static identity of a provider.
type ProviderInfo struct {
	Name           string      `json:"name"`
	Version        string      `json:"version"`
	Description    string      `json:"description"`
	Modality       string      `json:"modality"`
	SourceLanguage string      `json:"sourceLanguage,omitempty"`
	Attributes     []Attribute `json:"attributes,omitempty"`
}

// AttributeNames lists the declared attribute names in declaration order.
func (i ProviderInfo) AttributeNames() []string {
	names := make([]string, 0, len(i.Attributes))
	for _, attr := range i.Attributes {
		names = append(names, attr.Name)
	}
	return names
}

// DescribeAttribute returns the description of the named attribute.
func (i ProviderInfo) DescribeAttribute(name string) string {
	for _, attr := range i.Attributes {
		if attr.Name == name {
			return attr.Description
		}
	}
	return UnsupportedAttribute
}

// Provider evaluates input files for one modality.
//
// Evaluate reports analysis failures through Envelope.ErrorCode and returns
// a nil error. A non-nil error means the provider could not produce a
// readable envelope at all (see ErrMalformedResponse).
type Provider interface {
	Info() ProviderInfo
	Evaluate(ctx context.Context, path string) (*Envelope, error)
}

// Reentrant is implemented by providers that accept overlapping Evaluate
// calls on the same instance.
type Reentrant interface {
	Reentrant() bool
}

// IsReentrant reports whether p opted into concurrent evaluation.
func IsReentrant(p Provider) bool {
	r, ok := p.(Reentrant)
	return ok && r.Reentrant()
}
