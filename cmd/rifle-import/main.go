package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/luczsoma/rifle-import/internal/config"
	"github.com/luczsoma/rifle-import/internal/gitrepo"
	"github.com/luczsoma/rifle-import/internal/rifle"
	"github.com/luczsoma/rifle-import/internal/sync"
	"github.com/luczsoma/rifle-import/internal/transform"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile             string
	ignoreFile          string
	transformConfigFile string
	maxUploadTrials     int
	logLevel            string
	logFormat           string
	verbose             bool
	debug               bool
	fullResync          bool
	dryRun              bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rifle-import REPOSITORY_PATH REMOTE_ROOT_URL",
	Short: "Incrementally synchronize changed files to a code-analysis server",
	Long: `rifle-import detects which files changed between Git commits on a branch and
uploads those changes to a remote code-analysis service, minimizing redundant
uploads.

The remote service records the last commit it has seen for each revision
(branch name, or commit hash when HEAD is detached). Each run diffs the
current HEAD against that record and submits only the added, modified and
deleted files, optionally piping each file through an external transform
command first. When the service has no record for the revision, or when
--full-resync is given, every tracked file is uploaded instead.`,
	Args:         cobra.ExactArgs(2),
	RunE:         runImport,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rifle-import %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "agent config file (YAML, optional)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides -v/-d")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log progress information")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "log debug information, such as diffed and skipped files")

	rootCmd.Flags().StringVarP(&ignoreFile, "ignore-file", "i", "",
		"file listing repository-relative paths to ignore, one per line; directories need a trailing slash (default "+config.DefaultIgnoreFile+")")
	rootCmd.Flags().StringVarP(&transformConfigFile, "transform-config-file", "b", "",
		"file with one transform command flag per line (default "+config.DefaultTransformConfigFile+")")
	rootCmd.Flags().IntVarP(&maxUploadTrials, "max-upload-trials", "t", 0,
		fmt.Sprintf("maximum submission attempts per upload request on network error (default %d)", config.DefaultMaxUploadTrials))
	rootCmd.Flags().BoolVarP(&fullResync, "full-resync", "f", false,
		"discard the revision's remote state and upload every tracked file")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute and log the change set without performing any remote mutation")

	rootCmd.AddCommand(versionCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	repoPath := args[0]
	rootURL := strings.TrimRight(args[1], "/")

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	// Flags override the config file.
	if ignoreFile != "" {
		cfg.Files.IgnoreFile = ignoreFile
	}
	if transformConfigFile != "" {
		cfg.Transform.ConfigFile = transformConfigFile
	}
	if maxUploadTrials > 0 {
		cfg.Upload.MaxTrials = maxUploadTrials
	}
	cfg.Remote.RootURL = rootURL

	if err := cfg.Validate(); err != nil {
		return err
	}

	// Configuration files are read before any repository or network work.
	ignores, err := config.LoadIgnoreSet(cfg.Files.IgnoreFile)
	if err != nil {
		return err
	}
	logger.Debug("ignore file loaded", "path", cfg.Files.IgnoreFile, "rules", ignores.Len())

	transformFlags, err := config.LoadTransformConfig(cfg.Transform.ConfigFile)
	if err != nil {
		return err
	}

	var transformer transform.Transformer = transform.Noop{}
	if cfg.Transform.Command != "" {
		logger.Debug("transform step configured", "command", cfg.Transform.Command, "flags", transformFlags)
		transformer = transform.NewCommand(cfg.Transform.Command, transformFlags)
	}

	repo, err := gitrepo.Open(repoPath)
	if err != nil {
		return err
	}

	remote := rifle.NewClient(cfg.Remote.RootURL, rifle.Options{
		MaxUploadTrials: cfg.Upload.MaxTrials,
		MaxBatchBytes:   cfg.Upload.MaxBatchBytes,
	})

	engine := sync.NewEngine(cfg, ignores, repo, remote, transformer, logger, fullResync, dryRun)

	result, err := engine.Run(ctx)
	if err != nil {
		logger.Error("import failed", "error", err)
		return err
	}

	if n := len(result.TransformFailures); n > 0 {
		logger.Warn("some files were skipped due to transform errors", "count", n)
	}

	return nil
}

func setupLogger() *slog.Logger {
	// The tool is quiet by default, like the original importer: -v raises
	// verbosity to progress logging, -d to debug logging.
	level := slog.LevelWarn
	switch {
	case debug:
		level = slog.LevelDebug
	case verbose:
		level = slog.LevelInfo
	}

	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}

	logger.Info("loading configuration", "path", cfgFile)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"ignore_file", cfg.Files.IgnoreFile,
		"transform_command", cfg.Transform.Command,
		"max_upload_trials", cfg.Upload.MaxTrials)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
