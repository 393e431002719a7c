package curator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// SelectionsFile is where the agent is expected to leave its answer.
const SelectionsFile = "selections.json"

// DefaultCommand runs the agent CLI with the digest prompt.
var DefaultCommand = []string{"claude", "--print", "--permission-mode", "acceptEdits", "/news-digest"}

// CommandConfig configures CommandCurator.
type CommandConfig struct {
	Command        []string      `yaml:"command" env:"DIGEST_CURATOR_COMMAND"`
	SelectionsFile string        `yaml:"selections_file"`
	Timeout        time.Duration `yaml:"timeout" env:"DIGEST_CURATOR_TIMEOUT"`
}

// CommandCurator runs an external agent process in the batch directory and
// reads the selections file it writes.
type CommandCurator struct {
	cfg    CommandConfig
	logger *slog.Logger
}

// NewCommand returns a CommandCurator. Empty fields take defaults.
func NewCommand(cfg CommandConfig, logger *slog.Logger) *CommandCurator {
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultCommand
	}
	if cfg.SelectionsFile == "" {
		cfg.SelectionsFile = SelectionsFile
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandCurator{cfg: cfg, logger: logger}
}

func (c *CommandCurator) Curate(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	path := c.cfg.SelectionsFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(req.Dir, path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale selections: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command[0], c.cfg.Command[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(),
		"DIGEST_RUN_ID="+req.RunID,
		"DIGEST_BATCH_DIR="+req.Dir,
		"DIGEST_SELECTIONS="+path,
	)
	if req.Manifest != nil {
		cmd.Env = append(cmd.Env, "DIGEST_BATCHES="+strconv.Itoa(req.Manifest.Batches))
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = 5 * time.Second

	c.logger.Info("running curator", "command", c.cfg.Command[0], "dir", req.Dir, "timeout", c.cfg.Timeout)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, fmt.Errorf("start curator: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			c.logger.Info("curator", "line", sc.Text())
		}
		io.Copy(io.Discard, pr)
	}()

	waitErr := cmd.Wait()
	pw.Close()
	<-done

	if waitErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("curator timed out after %s: %w", c.cfg.Timeout, waitErr)
		}
		return nil, fmt.Errorf("curator failed: %w", waitErr)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s not written", ErrNoSelections, filepath.Base(path))
		}
		return nil, fmt.Errorf("read selections: %w", err)
	}
	res, err := ParseSelections(data)
	if err != nil {
		return nil, err
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}

	c.logger.Info("curator finished", "duration", time.Since(start).Round(time.Second), "selections", len(res.Items))
	return res, nil
}
