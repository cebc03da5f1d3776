package cli

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"strings"

	"cadastral-batch/internal/batch"
	"cadastral-batch/internal/config"
	"cadastral-batch/internal/geocore"
	"cadastral-batch/internal/logctx"
	"cadastral-batch/internal/progress"
)

// runtimeFlags are the settings every command accepts on top of the config
// file and CADASTRAL_* environment.
type runtimeFlags struct {
	configPath  *string
	baseURL     *string
	mode        *string
	concurrency *int
	outputDir   *string
	logLevel    *string
}

func addRuntimeFlags(fs *flag.FlagSet) runtimeFlags {
	return runtimeFlags{
		configPath:  fs.String("config", "", "config file path (default ./cadastral.yaml when present)"),
		baseURL:     fs.String("base-url", "", "processing backend base URL"),
		mode:        fs.String("mode", "", "processing mode: stream|sync|offline"),
		concurrency: fs.Int("concurrency", 0, "projects processed in parallel"),
		outputDir:   fs.String("output-dir", "", "directory for downloads and batch reports"),
		logLevel:    fs.String("log-level", "", "log level: debug|info|warn|error"),
	}
}

func (f runtimeFlags) apply(cfg config.Config) config.Config {
	if v := strings.TrimSpace(*f.baseURL); v != "" {
		cfg.BaseURL = v
	}
	if v := strings.TrimSpace(*f.mode); v != "" {
		cfg.Mode = v
	}
	if *f.concurrency > 0 {
		cfg.Concurrency = *f.concurrency
	}
	if v := strings.TrimSpace(*f.outputDir); v != "" {
		cfg.OutputDir = v
	}
	if v := strings.TrimSpace(*f.logLevel); v != "" {
		cfg.Log.Level = v
	}
	return config.Normalize(cfg)
}

type runtimeEnv struct {
	cfg      config.Config
	logger   *slog.Logger
	client   *geocore.Client
	closeLog func() error
}

func loadRuntime(f runtimeFlags) (*runtimeEnv, error) {
	cfg, err := config.Load(*f.configPath)
	if err != nil {
		return nil, err
	}
	cfg = f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newRuntime(cfg)
}

func newRuntime(cfg config.Config) (*runtimeEnv, error) {
	logger, closeLog, err := logctx.Setup(logctx.Options{Level: cfg.Log.Level, LogFile: cfg.Log.File})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	client, err := geocore.New(geocore.Options{BaseURL: cfg.BaseURL, Timeout: cfg.RequestTimeout})
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	return &runtimeEnv{cfg: cfg, logger: logger, client: client, closeLog: closeLog}, nil
}

func (e *runtimeEnv) Close() error {
	if e == nil || e.closeLog == nil {
		return nil
	}
	return e.closeLog()
}

func (e *runtimeEnv) context(parent context.Context) context.Context {
	return logctx.WithLogger(parent, e.logger)
}

func (e *runtimeEnv) offline() bool {
	return e.cfg.Mode == config.ModeOffline
}

// newOrchestrator wires the submitter and progress source for the configured
// mode: stream uploads and follows the event stream, sync does one blocking
// request per project, offline replays a local script.
func (e *runtimeEnv) newOrchestrator(notify func(batch.Event)) (*batch.Orchestrator, error) {
	opts := batch.Options{
		Concurrency:     e.cfg.Concurrency,
		ResultSuffix:    e.cfg.ResultSuffix,
		SizePlaceholder: e.cfg.SizePlaceholder,
		Notify:          notify,
		Logger:          e.logger,
	}
	switch e.cfg.Mode {
	case config.ModeSync:
		opts.Sync = e.client
	case config.ModeOffline:
		script := progress.DefaultScript()
		if e.cfg.Offline.Script != "" {
			loaded, err := progress.LoadScript(e.cfg.Offline.Script)
			if err != nil {
				return nil, err
			}
			script = loaded
		}
		src := progress.NewOfflineSource(script, e.cfg.Offline.Scale)
		opts.Submitter = src
		opts.Source = src
	case config.ModeStream:
		opts.Submitter = e.client
		opts.Source = progress.NewLiveSource(e.client)
	default:
		return nil, fmt.Errorf("invalid mode %q", e.cfg.Mode)
	}
	return batch.New(opts)
}
