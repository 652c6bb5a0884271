package agent

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ticketd/ticketd/internal/common/config"
	"github.com/ticketd/ticketd/internal/common/logger"
)

// maxLineBytes bounds a single stream-JSON line. Tool results can be large.
const maxLineBytes = 4 * 1024 * 1024

// RunRequest describes one agent invocation.
type RunRequest struct {
	Model   string
	Prompt  string
	WorkDir string
}

// Process is a live agent subprocess. Lines is closed when the process
// exits; Wait reports the exit status afterwards.
type Process interface {
	Lines() <-chan string
	Terminate()
	Wait() error
}

// Runner starts agent subprocesses. Workers depend on this interface so
// tests can substitute a scripted implementation.
type Runner interface {
	Start(ctx context.Context, req RunRequest) (Process, error)
}

// CLIRunner runs the real agent binary.
type CLIRunner struct {
	cfg    config.AgentConfig
	logger *logger.Logger
}

// NewCLIRunner returns a Runner backed by the configured agent binary.
func NewCLIRunner(cfg config.AgentConfig, log *logger.Logger) *CLIRunner {
	return &CLIRunner{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "agent_runner")),
	}
}

// Start spawns the agent with streaming JSON output. stderr is merged into
// stdout so diagnostics flow through the same parse loop.
func (r *CLIRunner) Start(ctx context.Context, req RunRequest) (Process, error) {
	model := req.Model
	if model == "" {
		model = r.cfg.DefaultModel
	}

	cmd := exec.CommandContext(ctx, r.cfg.Binary,
		"--model", model,
		"--verbose",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
		"-p", req.Prompt,
	)
	cmd.Dir = req.WorkDir
	cmd.Env = r.buildEnv()

	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = writeEnd
	cmd.Stderr = writeEnd

	if err := cmd.Start(); err != nil {
		readEnd.Close()
		writeEnd.Close()
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}
	// The child holds its own copy of the write end.
	writeEnd.Close()

	r.logger.Info("Agent started",
		zap.String("model", model),
		zap.String("work_dir", req.WorkDir),
		zap.Int("pid", cmd.Process.Pid))

	proc := &cliProcess{
		cmd:   cmd,
		lines: make(chan string, 64),
	}
	go proc.scan(readEnd)
	return proc, nil
}

// buildEnv merges the process environment with key=value pairs from the
// configured env file. File values win.
func (r *CLIRunner) buildEnv() []string {
	env := os.Environ()
	if r.cfg.EnvFile == "" {
		return env
	}
	extra, err := godotenv.Read(r.cfg.EnvFile)
	if err != nil {
		r.logger.Debug("Agent env file not loaded",
			zap.String("path", r.cfg.EnvFile), zap.Error(err))
		return env
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

type cliProcess struct {
	cmd   *exec.Cmd
	lines chan string
}

func (p *cliProcess) scan(r *os.File) {
	defer close(p.lines)
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		p.lines <- scanner.Text()
	}
}

// Lines returns the merged stdout/stderr line stream.
func (p *cliProcess) Lines() <-chan string {
	return p.lines
}

// Terminate sends SIGTERM; the agent is expected to exit cleanly.
func (p *cliProcess) Terminate() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
}

// Wait blocks until the process exits and returns its status.
func (p *cliProcess) Wait() error {
	return p.cmd.Wait()
}
