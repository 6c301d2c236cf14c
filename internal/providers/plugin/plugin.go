// Package plugin runs out-of-process providers. A plugin is any executable
// that takes the input path as its last argument and prints one result
// envelope on stdout.
package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/biqt/internal/quality"
)

// waitDelay bounds how long output pipes are drained after the plugin is killed.
const waitDelay = time.Second

// Provider adapts an executable plugin to quality.Provider.
type Provider struct {
	info    quality.ProviderInfo
	command []string
	dir     string
	logger  *zap.Logger
}

// New returns a plugin provider. dir is the working directory for the
// process, usually the plugin's descriptor directory.
func New(info quality.ProviderInfo, command []string, dir string, logger *zap.Logger) (*Provider, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, fmt.Errorf("plugin %q: empty command", info.Name)
	}
	return &Provider{
		info:    info,
		command: append([]string(nil), command...),
		dir:     dir,
		logger:  logger.Named("plugin").With(zap.String("provider", info.Name)),
	}, nil
}

// Info returns the descriptor metadata.
func (p *Provider) Info() quality.ProviderInfo { return p.info }

// Evaluate runs the plugin against path.
func (p *Provider) Evaluate(ctx context.Context, path string) (*quality.Envelope, error) {
	args := append(append([]string(nil), p.command[1:]...), path)
	cmd := exec.CommandContext(ctx, p.command[0], args...)
	cmd.Dir = p.dir
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return quality.Failure(p.info.Name, quality.CodeTimeout, ctxErr.Error()), nil
	}

	if len(bytes.TrimSpace(stdout.Bytes())) == 0 {
		if runErr != nil {
			p.logger.Warn("plugin exited without output", zap.Error(runErr), zap.String("stderr", stderr.String()))
			return quality.Failure(p.info.Name, quality.CodeInternalFailure, failureMessage(runErr, stderr.String())), nil
		}
		return nil, fmt.Errorf("plugin %s: %w: no output", p.info.Name, quality.ErrMalformedResponse)
	}

	env, err := quality.Decode(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", p.info.Name, err)
	}
	env.Provider = p.info.Name

	if runErr != nil && env.ErrorCode == quality.CodeOK {
		env.ErrorCode = quality.CodeInternalFailure
		env.Message = failureMessage(runErr, stderr.String())
	}
	return env, nil
}

func failureMessage(runErr error, stderr string) string {
	msg := runErr.Error()
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		msg = fmt.Sprintf("plugin exited with status %d", exitErr.ExitCode())
	}
	if s := strings.TrimSpace(stderr); s != "" {
		msg += ": " + s
	}
	return msg
}
