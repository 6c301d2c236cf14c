package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/example/biqt/internal/config"
	"github.com/example/biqt/internal/quality"
	"github.com/example/biqt/internal/registry"
)

// scriptFile is the plugin entry point created next to a new descriptor.
const scriptFile = "run.sh"

var providerNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type providerInitOptions struct {
	modality    string
	version     string
	description string
}

func newProviderCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Manage provider directories",
	}
	cmd.AddCommand(newProviderInitCmd(configPath))
	return cmd
}

func newProviderInitCmd(configPath *string) *cobra.Command {
	opts := &providerInitOptions{}

	cmd := &cobra.Command{
		Use:   "init NAME",
		Short: "Create a plugin provider skeleton under $BIQT_HOME/providers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if !cfg.HomeSet {
				return errors.New("BIQT_HOME is not set; it must point at the installation directory")
			}
			dir, err := initProvider(cfg.ProvidersDir(), args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created provider %s in %s\n", args[0], dir)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.modality, "modality", "", "Modality the provider evaluates")
	flags.StringVar(&opts.version, "version", "0.1.0", "Provider version")
	flags.StringVar(&opts.description, "description", "", "One line provider description")
	_ = cmd.MarkFlagRequired("modality")
	return cmd
}

// initProvider writes descriptor.json and a runnable plugin script into
// root/name. Existing files are never replaced.
func initProvider(root, name string, opts *providerInitOptions) (string, error) {
	if !providerNamePattern.MatchString(name) {
		return "", fmt.Errorf("invalid provider name %q: use only letters, digits, dashes and underscores", name)
	}

	dir := filepath.Join(root, name)
	for _, file := range []string{registry.DescriptorFile, scriptFile} {
		path := filepath.Join(dir, file)
		if _, err := os.Lstat(path); err == nil {
			return "", fmt.Errorf("%s already exists", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create provider directory: %w", err)
	}

	description := opts.description
	if description == "" {
		description = name + " quality provider"
	}
	desc := registry.Descriptor{
		ProviderInfo: quality.ProviderInfo{
			Name:           name,
			Version:        opts.version,
			Description:    description,
			Modality:       opts.modality,
			SourceLanguage: "shell",
		},
		Kind:    registry.KindExec,
		Command: []string{"./" + scriptFile},
	}
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode descriptor: %w", err)
	}
	if err := createFile(filepath.Join(dir, registry.DescriptorFile), append(data, '\n'), 0o644); err != nil {
		return "", err
	}

	script, err := pluginScript(name)
	if err != nil {
		return "", err
	}
	if err := createFile(filepath.Join(dir, scriptFile), script, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// pluginScript returns a shell plugin that reports an empty successful
// result for whatever file it is given.
func pluginScript(name string) ([]byte, error) {
	env, err := json.Marshal(quality.NewEnvelope(name))
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return []byte("#!/bin/sh\n" +
		"# Usage: " + scriptFile + " IMAGE\n" +
		"# Print one result envelope for IMAGE on stdout.\n" +
		"cat <<'EOF'\n" + string(env) + "\nEOF\n"), nil
}

// createFile fails instead of truncating when path already exists.
func createFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
