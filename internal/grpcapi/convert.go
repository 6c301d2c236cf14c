package grpcapi

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/biqt/internal/quality"
)

// EnvelopeToStruct encodes env in its JSON wire shape.
func EnvelopeToStruct(env *quality.Envelope) (*structpb.Struct, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// StructToEnvelope decodes a wire-shaped struct. Structural problems are
// reported as quality.ErrMalformedResponse.
func StructToEnvelope(s *structpb.Struct) (*quality.Envelope, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: empty response", quality.ErrMalformedResponse)
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", quality.ErrMalformedResponse, err)
	}
	return quality.Decode(data)
}

// InfosToList encodes provider metadata for ListProviders.
func InfosToList(infos []quality.ProviderInfo) (*structpb.ListValue, error) {
	if infos == nil {
		infos = []quality.ProviderInfo{}
	}
	data, err := json.Marshal(infos)
	if err != nil {
		return nil, err
	}
	out := &structpb.ListValue{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListToInfos decodes a ListProviders response.
func ListToInfos(l *structpb.ListValue) ([]quality.ProviderInfo, error) {
	data, err := protojson.Marshal(l)
	if err != nil {
		return nil, err
	}
	var infos []quality.ProviderInfo
	if err := json.Unmarshal(data, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}
