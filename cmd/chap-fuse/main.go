package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chap-fuse/catalog"
	"chap-fuse/config"
	chapfuse "chap-fuse/fuse"
	"chap-fuse/fuse/diag"
	"chap-fuse/llm"
)

// options holds command-line flags. Only flags the user actually set
// override the loaded configuration.
type options struct {
	configPath string
	promptsDir string
	backend    string
	url        string
	model      string
	diagAddr   string
	logLevel   string
	debug      bool
}

func main() {
	if err := newRootCmd(&options{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chap-fuse [flags] MOUNTPOINT",
		Short: "Mount prompt templates as a filesystem of LLM answers",
		Long: `Mounts a read-only filesystem where every prompt template in the prompt
directory is a directory, and reading <prompt>/<query> asks the configured
language model backend the query under that prompt. Answers are cached for
the lifetime of the mount.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "config file (default <user config dir>/chap/fuse.toml)")
	f.StringVar(&opts.promptsDir, "prompts-dir", "", "directory of <name>.txt prompt templates")
	f.StringVar(&opts.backend, "backend", "", `answer backend: "chat" or "lorem"`)
	f.StringVar(&opts.url, "url", "", "chat completions base URL")
	f.StringVar(&opts.model, "model", "", "model name sent to the chat backend")
	f.StringVar(&opts.diagAddr, "diag-addr", "", "serve /diag and /metrics on this address")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.BoolVar(&opts.debug, "debug", false, "enable FUSE protocol debug output")
	return cmd
}

// loadConfig loads the layered configuration and applies explicitly set flags.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, opts, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, opts *options, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("prompts-dir") {
		cfg.PromptsDir = opts.promptsDir
	}
	if changed("backend") {
		cfg.Backend.Kind = opts.backend
	}
	if changed("url") {
		cfg.Backend.URL = opts.url
	}
	if changed("model") {
		cfg.Backend.Model = opts.model
	}
	if changed("diag-addr") {
		cfg.DiagAddr = opts.diagAddr
	}
	if changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if changed("debug") {
		cfg.Debug = opts.debug
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = level
	zapCfg.OutputPaths = []string{"stderr"}
	return zapCfg.Build()
}

func newProvider(cfg *config.Config) (llm.AnswerProvider, error) {
	switch cfg.Backend.Kind {
	case config.BackendChat:
		return llm.NewChatClient(cfg.ChatConfig()), nil
	case config.BackendLorem:
		return llm.Lorem{}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend.Kind)
	}
}

func run(cmd *cobra.Command, opts *options, mountpoint string) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	prompts := catalog.Load(cfg.PromptsDir, logger)
	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}

	metrics := diag.NewMetrics()
	tracker := diag.NewTracker()
	answers := chapfuse.NewAnswerCache(provider, nil, metrics)
	root := chapfuse.NewFS(chapfuse.NewAdapter(prompts, answers, logger, tracker))

	fssrv, err := fs.Mount(mountpoint, root, mountOptions(cfg.Debug))
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}
	logger.Info("mounted",
		zap.String("mountpoint", mountpoint),
		zap.String("backend", cfg.Backend.Kind),
		zap.Int("prompts", len(prompts)))

	var diagSrv *http.Server
	if cfg.DiagAddr != "" {
		diagSrv = &http.Server{
			Addr:              cfg.DiagAddr,
			Handler:           diag.NewServeMux(tracker, metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("diag server listening", zap.String("addr", cfg.DiagAddr))
			if err := diagSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("diag server failed", zap.Error(err))
			}
		}()
	}

	// Set up signal handling for clean unmount
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	unmounted := make(chan struct{})
	go unmountOnSignal(fssrv, signals, unmounted, logger)

	fssrv.Wait()
	close(unmounted)
	signal.Stop(signals)

	if diagSrv != nil {
		shutdownDiag(diagSrv, logger)
	}
	return nil
}

type unmounter interface {
	Unmount() error
}

// unmountOnSignal unmounts u on the first signal. It returns without
// unmounting once done is closed, which happens when the filesystem was
// unmounted from outside (fusermount -u).
func unmountOnSignal(u unmounter, signals <-chan os.Signal, done <-chan struct{}, logger *zap.Logger) {
	select {
	case sig := <-signals:
		logger.Info("unmounting", zap.Stringer("signal", sig))
		if err := u.Unmount(); err != nil {
			logger.Error("unmount failed", zap.Error(err))
		}
	case <-done:
	}
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

func shutdownDiag(s shutdowner, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Warn("diag server shutdown failed", zap.Error(err))
	}
}

// mountOptions keeps the kernel from caching entries globally; answer nodes
// set their own long timeouts once resolved.
func mountOptions(debug bool) *fs.Options {
	opts := &fs.Options{}
	entryTimeout := time.Duration(0)
	attrTimeout := time.Duration(0)
	negativeTimeout := time.Duration(0)
	opts.EntryTimeout = &entryTimeout
	opts.AttrTimeout = &attrTimeout
	opts.NegativeTimeout = &negativeTimeout
	opts.MountOptions = fuse.MountOptions{
		FsName: "chap-fuse",
		Name:   "chap",
		Debug:  debug,
	}
	return opts
}
