package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/example/biqt/internal/quality"
)

// DescriptorFile is the metadata file expected in every provider directory.
const DescriptorFile = "descriptor.json"

// Provider kinds accepted in descriptors.
const (
	KindBuiltin = "builtin"
	KindExec    = "exec"
	KindGRPC    = "grpc"
)

// Descriptor is the on-disk description of a provider.
type Descriptor struct {
	quality.ProviderInfo

	Kind       string   `json:"kind,omitempty"`
	ClassName  string   `json:"className,omitempty"`
	Command    []string `json:"command,omitempty"`
	Endpoint   string   `json:"endpoint,omitempty"`
	RemoteName string   `json:"remoteName,omitempty"`

	// Dir is the directory the descriptor was read from.
	Dir string `json:"-"`
}

// ResolvedKind infers the kind when the descriptor leaves it empty.
func (d Descriptor) ResolvedKind() string {
	switch {
	case d.Kind != "":
		return strings.ToLower(d.Kind)
	case len(d.Command) > 0:
		return KindExec
	case d.Endpoint != "":
		return KindGRPC
	default:
		return KindBuiltin
	}
}

// Loader instantiates the provider a descriptor points at.
type Loader func(ctx context.Context, d Descriptor) (quality.Provider, error)

// StaticSource serves a fixed list of compiled-in providers.
type StaticSource struct {
	providers []quality.Provider
}

// NewStaticSource returns a source yielding providers in the given order.
func NewStaticSource(providers ...quality.Provider) *StaticSource {
	return &StaticSource{providers: providers}
}

// Name identifies the source in logs.
func (s *StaticSource) Name() string { return "static" }

// Discover returns the configured providers.
func (s *StaticSource) Discover(context.Context) ([]quality.Provider, error) {
	return append([]quality.Provider(nil), s.providers...), nil
}

// DirectorySource scans <root>/<provider>/descriptor.json. Directories are
// visited in lexical order. A descriptor that fails to load is logged and
// skipped.
type DirectorySource struct {
	root    string
	loaders map[string]Loader
	logger  *zap.Logger
}

// NewDirectorySource creates a source over root using loaders keyed by kind.
func NewDirectorySource(root string, loaders map[string]Loader, logger *zap.Logger) *DirectorySource {
	return &DirectorySource{root: root, loaders: loaders, logger: logger.Named("descriptors")}
}

// Name identifies the source in logs.
func (s *DirectorySource) Name() string { return "directory:" + s.root }

// Discover loads every valid descriptor under the root.
func (s *DirectorySource) Discover(ctx context.Context) ([]quality.Provider, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("providers directory not found", zap.String("root", s.root))
			return nil, nil
		}
		return nil, fmt.Errorf("read providers directory: %w", err)
	}

	var providers []quality.Provider
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(s.root, entry.Name())
		p, err := s.load(ctx, dir)
		if err != nil {
			s.logger.Error("skipping provider", zap.String("dir", dir), zap.Error(err))
			continue
		}
		providers = append(providers, p)
	}
	return providers, nil
}

func (s *DirectorySource) load(ctx context.Context, dir string) (quality.Provider, error) {
	d, err := ReadDescriptor(dir)
	if err != nil {
		return nil, err
	}
	loader, ok := s.loaders[d.ResolvedKind()]
	if !ok {
		return nil, fmt.Errorf("provider %q: unsupported kind %q", d.Name, d.ResolvedKind())
	}
	return loader(ctx, d)
}

// ReadDescriptor parses dir/descriptor.json.
func ReadDescriptor(dir string) (Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if err != nil {
		return Descriptor{}, fmt.Errorf("read descriptor: %w", err)
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("parse descriptor: %w", err)
	}
	if strings.TrimSpace(d.Name) == "" {
		return Descriptor{}, errors.New("descriptor has no name")
	}
	d.Dir = dir
	return d, nil
}
