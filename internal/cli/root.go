// Package cli defines the command-line interface for ktime.
package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/ktime/internal/config"
	"github.com/codex-k8s/ktime/internal/engine"
	"github.com/codex-k8s/ktime/internal/kube"
	"github.com/codex-k8s/ktime/internal/logging"
)

// version is overridden at build time with -ldflags "-X github.com/codex-k8s/ktime/internal/cli.version=...".
var version = "dev"

// connectTimeout bounds kubeconfig loading and the initial API server probe.
const connectTimeout = 30 * time.Second

// Options stores global CLI options shared between commands.
type Options struct {
	ConfigPath string
	Kubeconfig string
	Context    string
	Namespace  string
	Output     string
	LogLevel   string
	Verbose    bool
	NoWait     bool

	// Config is the merged configuration, filled in before any subcommand runs.
	Config config.Config

	// newClient is replaced in tests.
	newClient func(ctx context.Context, logger *slog.Logger, kubeconfig, kubeContext string) (*kube.Client, error)
}

// Execute builds the root command, runs it with the provided args and logger, and returns any error.
func Execute(args []string, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewLogger(os.Stderr, logging.LevelInfo)
	}

	rootCmd := newRootCommand(&Options{newClient: kube.NewClient}, logger)
	rootCmd.SetArgs(args)

	return rootCmd.Execute()
}

// newRootCommand constructs the root cobra.Command with global flags and subcommands.
func newRootCommand(opts *Options, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ktime",
		Short:         "ktime measures Kubernetes pod startup milestones",
		Long:          "ktime reports how long a pod took to reach each readiness milestone (Initialized, PodReadyToStartContainers, ContainersReady, Ready) after it was scheduled. It can server-side apply a manifest first.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.LoadOptions{
				Path:     opts.ConfigPath,
				Explicit: cmd.Flags().Changed("config"),
			})
			if err != nil {
				return err
			}
			applyFlagOverrides(cmd, opts, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			opts.Config = cfg

			level := logging.ParseLevel(cfg.LogLevel)
			if opts.Verbose {
				level = logging.LevelDebug
			}
			logger = logging.NewLogger(cmd.ErrOrStderr(), level)
			logging.RouteKlog(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), loggerKey{}, logger))
			logger.Debug("logger initialized", "level", level)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "Path to the ktime config file (default ~/"+config.DefaultFileName+")")
	cmd.PersistentFlags().StringVar(&opts.Kubeconfig, "kubeconfig", "", "Path to the kubeconfig file (default: KUBECONFIG or ~/.kube/config)")
	cmd.PersistentFlags().StringVar(&opts.Context, "context", "", "Kubeconfig context to use")
	cmd.PersistentFlags().StringVarP(&opts.Namespace, "namespace", "n", "", "Namespace of the pod, or default namespace for manifests without one")
	cmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", config.DefaultOutput, "Report format (text, json, yaml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Shortcut for --log-level=debug")

	cmd.AddCommand(
		newCollectCommand(opts),
		newRunCommand(opts),
	)

	return cmd
}

// applyFlagOverrides copies explicitly set persistent flags over the loaded configuration.
func applyFlagOverrides(cmd *cobra.Command, opts *Options, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("kubeconfig") {
		cfg.Kubeconfig = opts.Kubeconfig
	}
	if flags.Changed("context") {
		cfg.Context = opts.Context
	}
	if flags.Changed("namespace") {
		cfg.Namespace = opts.Namespace
	}
	if flags.Changed("output") {
		cfg.Output = opts.Output
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.LogLevel
	}
}

// newEngine connects to the cluster and builds an engine from the merged configuration.
func newEngine(ctx context.Context, opts *Options, logger *slog.Logger) (*engine.Engine, error) {
	connect := opts.newClient
	if connect == nil {
		connect = kube.NewClient
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := connect(connectCtx, logger, opts.Config.Kubeconfig, opts.Config.Context)
	if err != nil {
		return nil, err
	}

	namespace := opts.Config.Namespace
	if namespace == "" {
		namespace = client.Namespace
	}
	if namespace == "" {
		namespace = config.DefaultNamespace
	}

	return engine.NewEngine(client, engine.Options{
		Namespace:    namespace,
		FieldManager: opts.Config.FieldManager,
		WatchTimeout: opts.Config.WatchTimeout,
		PollInterval: opts.Config.PollInterval,
		MaxAttempts:  opts.Config.MaxAttempts,
		NoWait:       opts.NoWait,
	}, logger), nil
}

// loggerKey is a private context key used to store a logger in command contexts.
type loggerKey struct{}

// LoggerFromContext extracts a logger from the context or falls back to a default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return logging.NewLogger(os.Stderr, logging.LevelInfo)
	}
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return logging.NewLogger(os.Stderr, logging.LevelInfo)
}
