package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/biqt/internal/config"
	"github.com/example/biqt/internal/engine"
	"github.com/example/biqt/internal/grpcclient"
	"github.com/example/biqt/internal/logging"
	"github.com/example/biqt/internal/providers"
	"github.com/example/biqt/internal/quality"
	"github.com/example/biqt/internal/registry"
	"github.com/example/biqt/internal/report"
)

// version is set by the linker at build time.
var version = "dev"

// allModalities is the value -P takes when given without a modality.
const allModalities = "*"

// exitCode carries a process status out of a command without printing it.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

func main() {
	err := newRootCmd().Execute()
	if err == nil {
		return
	}
	var code exitCode
	if errors.As(err, &code) {
		os.Exit(int(code))
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}

type rootOptions struct {
	configPath string
	verbose    bool

	providers string
	provider  string
	modality  string
	fileList  bool
	format    string
	output    string
	version   bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "biqt [flags] FILE...",
		Short:         "Biometric image quality toolkit",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoot(cmd, opts, args)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a biqt.yml config file")
	rootCmd.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "Log debug output to stderr")

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.providers, "providers", "P", "", "List providers, optionally only those of MODALITY")
	flags.Lookup("providers").NoOptDefVal = allModalities
	flags.StringVarP(&opts.provider, "provider", "p", "", "Evaluate files with the named provider")
	flags.StringVarP(&opts.modality, "modality", "m", "", "Evaluate files with every provider of MODALITY")
	flags.BoolVarP(&opts.fileList, "file-list", "l", false, "Treat FILE as a newline separated list of images")
	flags.StringVarP(&opts.format, "output-format", "f", string(report.FormatText), "Output format: text or json")
	flags.StringVarP(&opts.output, "output", "o", "-", "Output file, - for stdout; existing files are appended to")
	flags.BoolVarP(&opts.version, "version", "V", false, "Show version information")
	rootCmd.MarkFlagsMutuallyExclusive("provider", "modality", "providers")

	rootCmd.AddCommand(newServeCmd(&opts.configPath), newMCPCmd(&opts.configPath), newProviderCmd(&opts.configPath))
	return rootCmd
}

func runRoot(cmd *cobra.Command, opts *rootOptions, args []string) error {
	if opts.version {
		fmt.Fprintf(cmd.OutOrStdout(), "biqt version %s\n", version)
		return nil
	}

	listing := cmd.Flags().Changed("providers")
	if !listing && opts.provider == "" && opts.modality == "" {
		return cmd.Help()
	}

	format, err := report.ParseFormat(opts.format)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.NewCLILogger(opts.verbose)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if !cfg.HomeSet {
		logger.Warn("BIQT_HOME is not set, using the working directory", zap.String("home", cfg.Home))
	}

	dispatcher := newDispatcher(cfg, logger, nil)
	defer dispatcher.Shutdown() //nolint:errcheck

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if listing {
		modality := opts.providers
		if modality == allModalities {
			modality = ""
			// -P MODALITY leaves the modality as a positional argument.
			if len(args) == 1 {
				modality = args[0]
			}
		}
		return listProviders(ctx, cmd.OutOrStdout(), dispatcher, modality)
	}

	files, err := collectFiles(args, opts.fileList)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("no input files given")
	}

	out, closeOut, err := openOutput(cmd.OutOrStdout(), opts.output)
	if err != nil {
		return err
	}
	defer closeOut()

	run := func(file string) ([]*quality.Envelope, error) {
		if opts.provider != "" {
			return dispatcher.RunByName(ctx, opts.provider, []string{file})
		}
		return dispatcher.RunByModality(ctx, opts.modality, []string{file})
	}

	firstCode := quality.CodeOK
	for _, file := range files {
		envs, err := run(file)
		if err != nil {
			return err
		}
		for _, env := range envs {
			if env.Succeeded() {
				continue
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Provider %s failed on %s with code %d: %s\n", env.Provider, file, env.ErrorCode, env.Message)
			if firstCode == quality.CodeOK {
				firstCode = env.ErrorCode
			}
		}
		if err := report.Write(out, format, file, envs); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}

	if firstCode != quality.CodeOK {
		return exitCode(firstCode)
	}
	return nil
}

func listProviders(ctx context.Context, w io.Writer, d *engine.Dispatcher, modality string) error {
	infos, err := d.ListProviders(ctx)
	if err != nil && !errors.Is(err, registry.ErrRegistryInitialization) {
		return err
	}
	if report.WriteProviders(w, infos, modality) == 0 {
		if modality != "" {
			fmt.Fprintln(w, "No provider libraries matching the provided modality were found.")
		} else {
			fmt.Fprintln(w, "No provider libraries were found.")
		}
	}
	return nil
}

// newDispatcher wires the compiled-in providers and the provider directory
// into a lazily initialized engine.
func newDispatcher(cfg config.Config, logger *zap.Logger, metrics *engine.Metrics) *engine.Dispatcher {
	builtins := providers.Builtins()
	compiled := make([]quality.Provider, 0, len(providers.BuiltinOrder))
	for _, name := range providers.BuiltinOrder {
		compiled = append(compiled, builtins[name]())
	}

	loaders := map[string]registry.Loader{
		registry.KindBuiltin: registry.BuiltinLoader(builtins),
		registry.KindExec:    registry.ExecLoader(logger),
		registry.KindGRPC:    grpcclient.Loader(logger),
	}

	reg := registry.New(logger,
		registry.NewStaticSource(compiled...),
		registry.NewDirectorySource(cfg.ProvidersDir(), loaders, logger),
	)
	return engine.New(reg, logger, engine.Options{
		EvalTimeout: cfg.EvalTimeout,
		Concurrency: cfg.Concurrency,
		Metrics:     metrics,
	})
}

// collectFiles expands list files when asList is set.
func collectFiles(args []string, asList bool) ([]string, error) {
	if !asList {
		return args, nil
	}
	var files []string
	for _, list := range args {
		f, err := os.Open(list)
		if err != nil {
			return nil, fmt.Errorf("open file list: %w", err)
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				files = append(files, line)
			}
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read file list %s: %w", list, err)
		}
	}
	return files, nil
}

func openOutput(stdout io.Writer, path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return stdout, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open output: %w", err)
	}
	return f, func() { f.Close() }, nil
}
