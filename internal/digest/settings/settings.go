// Package settings loads the digest configuration and builds the
// components a run needs from it.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"

	"github.com/RobinCoderZhao/news-digest/internal/digest/batch"
	"github.com/RobinCoderZhao/news-digest/internal/digest/curator"
	"github.com/RobinCoderZhao/news-digest/internal/digest/dedup"
	"github.com/RobinCoderZhao/news-digest/internal/digest/fetcher"
	"github.com/RobinCoderZhao/news-digest/internal/digest/pipeline"
	"github.com/RobinCoderZhao/news-digest/internal/digest/sources"
	"github.com/RobinCoderZhao/news-digest/internal/digest/store"
	appconfig "github.com/RobinCoderZhao/news-digest/pkg/config"
	"github.com/RobinCoderZhao/news-digest/pkg/llm"
	"github.com/RobinCoderZhao/news-digest/pkg/notify"
	"github.com/RobinCoderZhao/news-digest/pkg/storage"
)

// ProjectFile is looked up in the working directory before the user config.
const ProjectFile = "digest.yaml"

// Curator modes.
const (
	CuratorCommand = "command"
	CuratorLLM     = "llm"
)

// Settings is the full digest configuration.
type Settings struct {
	DB          storage.Config `yaml:"db"`
	SourcesFile string         `yaml:"sources_file" env:"DIGEST_SOURCES"`
	OutputDir   string         `yaml:"output_dir" env:"DIGEST_OUTPUT_DIR"`
	Debug       bool           `yaml:"debug" env:"DIGEST_DEBUG"`

	Dedup   DedupSettings        `yaml:"dedup"`
	Batch   batch.Config         `yaml:"batch"`
	Fetch   FetchSettings        `yaml:"fetch"`
	Curator CuratorSettings      `yaml:"curator"`
	Alert   notify.WebhookConfig `yaml:"alert"`
}

// DedupSettings adds the history window to the engine config.
type DedupSettings struct {
	dedup.Config `yaml:",inline"`
	WindowDays   int `yaml:"window_days" env:"DIGEST_DEDUP_WINDOW_DAYS"`
}

// FetchSettings adds the run deadline to the fetcher config.
type FetchSettings struct {
	fetcher.Config `yaml:",inline"`
	RunDeadline    time.Duration `yaml:"run_deadline" env:"DIGEST_RUN_DEADLINE"`
}

// CuratorSettings picks and configures the curator.
type CuratorSettings struct {
	curator.CommandConfig `yaml:",inline"`

	Mode string     `yaml:"mode" env:"DIGEST_CURATOR"`
	LLM  llm.Config `yaml:"llm"`
}

// Default returns the built-in configuration.
func Default() Settings {
	return Settings{
		DB:          storage.Config{Driver: storage.SQLite, DSN: "data/digest.db"},
		SourcesFile: "sources.yaml",
		OutputDir:   "data/curator_input",
		Dedup: DedupSettings{
			Config:     dedup.Config{Threshold: dedup.DefaultThreshold, Metric: "dice"},
			WindowDays: 7,
		},
		Batch: batch.Config{Budget: batch.DefaultBudget},
		Fetch: FetchSettings{
			Config:      fetcher.DefaultConfig(),
			RunDeadline: 2 * time.Minute,
		},
		Curator: CuratorSettings{
			Mode: CuratorCommand,
			CommandConfig: curator.CommandConfig{
				Command:        append([]string(nil), curator.DefaultCommand...),
				SelectionsFile: curator.SelectionsFile,
				Timeout:        20 * time.Minute,
			},
			LLM: llm.DefaultConfig(),
		},
	}
}

// UserConfigPath is the per-user config file under the XDG config home.
func UserConfigPath() string {
	return filepath.Join(xdg.ConfigHome, "news-digest", "config.yaml")
}

// ResolvePath returns path when set, then ./digest.yaml if it exists,
// then the user config path. The result may not exist.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	if _, err := os.Stat(ProjectFile); err == nil {
		return ProjectFile
	}
	return UserConfigPath()
}

// Load reads the config file at path (resolved as in ResolvePath), applies
// environment overrides and validates the result. A missing file is not an
// error; an explicitly named one is.
func Load(path string) (Settings, error) {
	s := Default()
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return s, fmt.Errorf("config file: %w", err)
		}
	}
	if err := appconfig.LoadOrDefault(ResolvePath(path), &s); err != nil {
		return s, err
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Validate checks ranges and enumerations.
func (s Settings) Validate() error {
	var errs []error
	if s.Dedup.WindowDays <= 0 {
		errs = append(errs, fmt.Errorf("dedup.window_days must be positive, got %d", s.Dedup.WindowDays))
	}
	if s.Dedup.Threshold < 0 || s.Dedup.Threshold > 1 {
		errs = append(errs, fmt.Errorf("dedup.threshold must be within [0,1], got %g", s.Dedup.Threshold))
	}
	if _, err := dedup.MetricByName(s.Dedup.Metric); err != nil {
		errs = append(errs, err)
	}
	if s.Batch.Budget <= 0 {
		errs = append(errs, fmt.Errorf("batch.budget must be positive, got %d", s.Batch.Budget))
	}
	switch s.Curator.Mode {
	case CuratorCommand, CuratorLLM:
	default:
		errs = append(errs, fmt.Errorf("curator.mode must be %q or %q, got %q", CuratorCommand, CuratorLLM, s.Curator.Mode))
	}
	if s.DB.DSN == "" {
		errs = append(errs, errors.New("db.dsn is required"))
	}
	return errors.Join(errs...)
}

// DedupWindow is the history lookback.
func (s Settings) DedupWindow() time.Duration {
	return time.Duration(s.Dedup.WindowDays) * 24 * time.Hour
}

// PipelineConfig returns the per-run pipeline knobs.
func (s Settings) PipelineConfig(dryRun bool) pipeline.Config {
	return pipeline.Config{
		OutputDir:   s.OutputDir,
		DedupWindow: s.DedupWindow(),
		RunDeadline: s.Fetch.RunDeadline,
		Budget:      s.Batch.Budget,
		DryRun:      dryRun,
	}
}

// LoadSources reads the sources file, falling back to the built-in list when
// the file does not exist.
func (s Settings) LoadSources() (*sources.Registry, error) {
	return sources.Load(s.SourcesFile)
}

// OpenStore opens the history database, creating the SQLite directory first.
func (s Settings) OpenStore(ctx context.Context) (*store.SQLStore, error) {
	if s.DB.Driver == "" || s.DB.Driver == storage.SQLite {
		if dir := filepath.Dir(s.DB.DSN); dir != "." && !strings.HasPrefix(s.DB.DSN, "file:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
	}
	return store.Open(ctx, s.DB)
}

// NewFetcher builds the feed fetcher.
func (s Settings) NewFetcher(logger *slog.Logger) *fetcher.Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return fetcher.New(s.Fetch.Config, fetcher.WithLogger(logger))
}

// NewEngine builds the dedup engine.
func (s Settings) NewEngine(logger *slog.Logger) (*dedup.Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return dedup.New(s.Dedup.Config, dedup.WithLogger(logger))
}

// NewCurator builds the configured curator.
func (s Settings) NewCurator(logger *slog.Logger) (curator.Curator, error) {
	switch s.Curator.Mode {
	case CuratorLLM:
		client, err := llm.NewClient(s.Curator.LLM)
		if err != nil {
			return nil, fmt.Errorf("create LLM client: %w", err)
		}
		return curator.NewLLM(client, logger), nil
	default:
		return curator.NewCommand(s.Curator.CommandConfig, logger), nil
	}
}

// NewAlerts returns the operator alert sender: the log always, plus the
// webhook when one is configured.
func (s Settings) NewAlerts(logger *slog.Logger) *notify.Dispatcher {
	d := notify.NewDispatcher(logger)
	d.Register(notify.NewLogNotifier(logger))
	if s.Alert.URL != "" {
		d.Register(notify.NewWebhookNotifier(s.Alert))
	}
	return d
}
