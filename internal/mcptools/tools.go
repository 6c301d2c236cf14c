package mcptools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/example/biqt/internal/quality"
)

// Dispatcher is the part of the engine the tools drive.
type Dispatcher interface {
	ListProviders(ctx context.Context) ([]quality.ProviderInfo, error)
	RunByName(ctx context.Context, name string, files []string) ([]*quality.Envelope, error)
	RunByModality(ctx context.Context, modality string, files []string) ([]*quality.Envelope, error)
}

// ListProvidersInput is the input for the list_providers tool.
type ListProvidersInput struct {
	Modality string `json:"modality,omitempty" jsonschema:"only list providers for this modality (e.g. iris, face)"`
}

// ListProvidersOutput is the result of the list_providers tool.
type ListProvidersOutput struct {
	Providers []quality.ProviderInfo `json:"providers"`
}

// RunProviderInput is the input for the run_provider tool.
type RunProviderInput struct {
	Provider string   `json:"provider" jsonschema:"registered provider name, e.g. BIQTIris"`
	Files    []string `json:"files" jsonschema:"absolute paths of the images to evaluate"`
}

// RunModalityInput is the input for the run_modality tool.
type RunModalityInput struct {
	Modality string   `json:"modality" jsonschema:"modality whose providers should all run"`
	Files    []string `json:"files" jsonschema:"absolute paths of the images to evaluate"`
}

// Result is one provider outcome for one image.
type Result struct {
	ErrorCode int                `json:"errorCode"`
	Message   string             `json:"message,omitempty"`
	Provider  string             `json:"provider"`
	Features  map[string]any     `json:"features"`
	Metrics   map[string]float64 `json:"metrics"`
}

// RunOutput is the result of run_provider and run_modality. Results are
// ordered by provider, then by file within each provider.
type RunOutput struct {
	Results []Result `json:"results"`
	Failed  int      `json:"failed"`
}

// QualityService backs the MCP tools with a dispatcher.
type QualityService struct {
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewQualityService creates a QualityService.
func NewQualityService(dispatcher Dispatcher, logger *zap.Logger) *QualityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QualityService{dispatcher: dispatcher, logger: logger.Named("mcp")}
}

// ListProviders returns every registered provider, optionally narrowed to
// one modality.
func (s *QualityService) ListProviders(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input ListProvidersInput,
) (*mcp.CallToolResult, ListProvidersOutput, error) {
	infos, err := s.dispatcher.ListProviders(ctx)
	if err != nil {
		return nil, ListProvidersOutput{}, fmt.Errorf("list providers: %w", err)
	}

	modality := strings.TrimSpace(input.Modality)
	out := ListProvidersOutput{Providers: make([]quality.ProviderInfo, 0, len(infos))}
	for _, info := range infos {
		if modality == "" || info.Modality == modality {
			out.Providers = append(out.Providers, info)
		}
	}
	return nil, out, nil
}

// RunProvider evaluates files with one named provider.
func (s *QualityService) RunProvider(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input RunProviderInput,
) (*mcp.CallToolResult, RunOutput, error) {
	name := strings.TrimSpace(input.Provider)
	if name == "" {
		return nil, RunOutput{}, errors.New("provider is required")
	}
	if len(input.Files) == 0 {
		return nil, RunOutput{}, errors.New("at least one file is required")
	}

	envs, err := s.dispatcher.RunByName(ctx, name, input.Files)
	if err != nil {
		s.logger.Warn("run_provider failed", zap.String("provider", name), zap.Error(err))
		return nil, RunOutput{}, err
	}
	return nil, toOutput(envs), nil
}

// RunModality evaluates files with every provider of a modality.
func (s *QualityService) RunModality(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input RunModalityInput,
) (*mcp.CallToolResult, RunOutput, error) {
	modality := strings.TrimSpace(input.Modality)
	if modality == "" {
		return nil, RunOutput{}, errors.New("modality is required")
	}
	if len(input.Files) == 0 {
		return nil, RunOutput{}, errors.New("at least one file is required")
	}

	envs, err := s.dispatcher.RunByModality(ctx, modality, input.Files)
	if err != nil {
		s.logger.Warn("run_modality failed", zap.String("modality", modality), zap.Error(err))
		return nil, RunOutput{}, err
	}
	return nil, toOutput(envs), nil
}

func toOutput(envs []*quality.Envelope) RunOutput {
	out := RunOutput{Results: make([]Result, 0, len(envs))}
	for _, env := range envs {
		if !env.Succeeded() {
			out.Failed++
		}
		features := env.Features
		if features == nil {
			features = map[string]any{}
		}
		metrics := env.Metrics
		if metrics == nil {
			metrics = map[string]float64{}
		}
		out.Results = append(out.Results, Result{
			ErrorCode: env.ErrorCode,
			Message:   env.Message,
			Provider:  env.Provider,
			Features:  features,
			Metrics:   metrics,
		})
	}
	return out
}
