package registry

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/example/biqt/internal/providers/plugin"
	"github.com/example/biqt/internal/quality"
)

// BuiltinLoader resolves descriptors naming a compiled-in provider through
// className, falling back to the descriptor name.
func BuiltinLoader(builtins map[string]func() quality.Provider) Loader {
	return func(_ context.Context, d Descriptor) (quality.Provider, error) {
		key := d.ClassName
		if key == "" {
			key = d.Name
		}
		factory, ok := builtins[key]
		if !ok {
			return nil, fmt.Errorf("provider %q: no compiled-in implementation %q", d.Name, key)
		}
		return withDescriptor(factory(), d.ProviderInfo), nil
	}
}

// ExecLoader starts descriptors of kind exec as plugin processes.
func ExecLoader(logger *zap.Logger) Loader {
	return func(_ context.Context, d Descriptor) (quality.Provider, error) {
		return plugin.New(d.ProviderInfo, d.Command, d.Dir, logger)
	}
}

// described overrides a provider's identity with descriptor metadata.
type described struct {
	quality.Provider
	info quality.ProviderInfo
}

func withDescriptor(p quality.Provider, info quality.ProviderInfo) quality.Provider {
	base := p.Info()
	if info.Version == "" {
		info.Version = base.Version
	}
	if info.Description == "" {
		info.Description = base.Description
	}
	if info.Modality == "" {
		info.Modality = base.Modality
	}
	if info.SourceLanguage == "" {
		info.SourceLanguage = base.SourceLanguage
	}
	if len(info.Attributes) == 0 {
		info.Attributes = base.Attributes
	}
	return &described{Provider: p, info: info}
}

func (d *described) Info() quality.ProviderInfo { return d.info }

func (d *described) Evaluate(ctx context.Context, path string) (*quality.Envelope, error) {
	env, err := d.Provider.Evaluate(ctx, path)
	if env != nil {
		env.Provider = d.info.Name
	}
	return env, err
}

func (d *described) Reentrant() bool { return quality.IsReentrant(d.Provider) }

func (d *described) Close() error {
	if c, ok := d.Provider.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
