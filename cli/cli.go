// Package cli provides the command-line interface for CSCA trust anchor
// management and EF.SOD verification.
package cli

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/2060-io/go-emrtd/config"
	"github.com/2060-io/go-emrtd/fetchers"
	"github.com/2060-io/go-emrtd/keys"
	"github.com/2060-io/go-emrtd/truststore"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// errVerificationFailed is returned by verify when the SOD is not both
// authentic and intact. The result has already been printed.
var errVerificationFailed = errors.New("verification failed")

// globalOptions are the persistent flags shared by all commands.
type globalOptions struct {
	configFile    string
	source        string
	anchors       []string
	cacheDir      string
	cacheTTL      string
	checkValidity bool
	logLevel      string
	noColor       bool
}

// app carries the streams and flags of one invocation.
type app struct {
	opts   globalOptions
	stdout io.Writer
	stderr io.Writer
}

// Run executes the CLI with the given arguments.
// This is the main entry point for the CLI.
func Run(args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := NewRootCommand(os.Stdout, os.Stderr)
	cmd.SetArgs(args[1:])
	err := cmd.ExecuteContext(ctx)
	switch {
	case err == nil:
	case errors.Is(err, errVerificationFailed):
		stop()
		osExit(2)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		osExit(1)
	}
}

// NewRootCommand creates the emrtd command tree writing to stdout and stderr.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "emrtd",
		Short: "Verify eMRTD document security objects against CSCA Master Lists",
		Long: "emrtd loads CSCA trust anchors from an ICAO Master List, either a local file " +
			"or a cached download, and verifies EF.SOD files for integrity and authenticity.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if a.opts.noColor {
				color.NoColor = true
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.opts.configFile, "config", "c", "", "YAML configuration file")
	flags.StringVar(&a.opts.source, "source", "", "Master List path or URL (overrides config)")
	flags.StringArrayVar(&a.opts.anchors, "anchor", nil, "PEM or DER CSCA file trusted alongside the Master List, repeatable (overrides config)")
	flags.StringVar(&a.opts.cacheDir, "cache-dir", "", "Master List cache directory (overrides config)")
	flags.StringVar(&a.opts.cacheTTL, "cache-ttl", "", "cache lifetime in seconds; 0 always refreshes, negative never expires")
	flags.BoolVar(&a.opts.checkValidity, "check-validity", false, "enforce certificate validity periods")
	flags.StringVar(&a.opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&a.opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newAnchorsCommand(a),
		newVerifyCommand(a),
		newVersionCommand(a),
	)
	return root
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "emrtd version %s\n", Version)
			fmt.Fprintf(a.stdout, "Build time: %s\n", BuildTime)
		},
	}
}

// loadConfig reads the configuration file, if any, and applies flag overrides.
func (a *app) loadConfig(cmd *cobra.Command) (*config.AppConfig, error) {
	cfg := config.DefaultConfig()
	if a.opts.configFile != "" {
		loaded, err := config.LoadConfig(a.opts.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("source") {
		cfg.MasterList.Source = a.opts.source
	}
	if flags.Changed("anchor") {
		cfg.MasterList.Anchors = a.opts.anchors
	}
	if flags.Changed("cache-dir") {
		cfg.MasterList.CacheDir = a.opts.cacheDir
	}
	if flags.Changed("cache-ttl") {
		cfg.MasterList.CacheTTL = a.opts.cacheTTL
	}
	if flags.Changed("check-validity") {
		cfg.MasterList.CheckValidity = a.opts.checkValidity
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = a.opts.logLevel
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds a zap logger from cfg and exposes it as a logr.Logger.
// The returned function flushes the logger and closes any log file.
func (a *app) newLogger(cfg config.LoggingConfig) (logr.Logger, func(), error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return logr.Logger{}, nil, &config.ConfigError{Field: "logging.level", Message: err.Error(), Err: config.ErrInvalidValue}
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}

	closeOutput := func() {}
	var sink zapcore.WriteSyncer
	switch cfg.Output {
	case "stdout":
		sink = zapcore.AddSync(a.stdout)
	case "stderr":
		sink = zapcore.AddSync(a.stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return logr.Logger{}, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		sink = zapcore.AddSync(f)
		closeOutput = func() { _ = f.Close() }
	}

	zl := zap.New(zapcore.NewCore(encoder, sink, level))
	return zapr.NewLogger(zl), func() {
		_ = zl.Sync()
		closeOutput()
	}, nil
}

// loadAnchors reads the configured anchor files.
func loadAnchors(files []string) ([]*x509.Certificate, error) {
	var anchors []*x509.Certificate
	for _, file := range files {
		certs, err := keys.LoadCertsFromPemDer(file)
		if err != nil {
			return nil, fmt.Errorf("failed to load anchor: %w", err)
		}
		anchors = append(anchors, certs...)
	}
	return anchors, nil
}

// newStore wires the download stack into a trust store.
func newStore(cfg *config.AppConfig, log logr.Logger) (*truststore.Store, error) {
	anchors, err := loadAnchors(cfg.MasterList.Anchors)
	if err != nil {
		return nil, err
	}

	client, err := fetchers.NewHTTPClient(cfg.Download.HTTPClientConfig())
	if err != nil {
		return nil, err
	}
	downloader := fetchers.NewDownloader(client, cfg.Download.RetryConfig(), log.WithName("download"))

	fs, err := truststore.NewLocalFileSystem(cfg.MasterList.CacheDir, downloader)
	if err != nil {
		return nil, err
	}
	return truststore.New(truststore.Options{
		Source:   cfg.MasterList.Source,
		Anchors:  anchors,
		CacheDir: cfg.MasterList.CacheDir,
		TTL:      cfg.MasterList.TTL(),
		FS:       fs,
		Logger:   log.WithName("truststore"),
	})
}

// setup loads configuration, the logger and the trust store for a command.
func (a *app) setup(cmd *cobra.Command) (*config.AppConfig, logr.Logger, *truststore.Store, func(), error) {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return nil, logr.Logger{}, nil, nil, err
	}
	log, cleanup, err := a.newLogger(cfg.Logging)
	if err != nil {
		return nil, logr.Logger{}, nil, nil, err
	}
	store, err := newStore(cfg, log)
	if err != nil {
		cleanup()
		return nil, logr.Logger{}, nil, nil, err
	}
	return cfg, log, store, cleanup, nil
}
