package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/ticketd/ticketd/internal/common/config"
	"github.com/ticketd/ticketd/internal/common/logger"
)

// AuxInvoker is a one-shot call to the fast auxiliary model, used by the
// summarizer, the watchdog and inbound question answering.
type AuxInvoker interface {
	Invoke(ctx context.Context, prompt string) (string, error)
}

// AuxModel invokes the agent binary with the auxiliary model alias and a
// hard timeout.
type AuxModel struct {
	cfg    config.AgentConfig
	logger *logger.Logger
}

// NewAuxModel returns an AuxInvoker backed by the configured binary.
func NewAuxModel(cfg config.AgentConfig, log *logger.Logger) *AuxModel {
	return &AuxModel{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "aux_model")),
	}
}

// Invoke runs one prompt through the auxiliary model and returns the
// trimmed output. The configured timeout (30 s default) is a hard limit.
func (a *AuxModel) Invoke(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.AuxTimeoutDuration())
	defer cancel()

	cmd := exec.CommandContext(ctx, a.cfg.Binary,
		"--model", a.cfg.AuxModel,
		"-p", prompt,
	)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("auxiliary model timed out after %s", a.cfg.AuxTimeoutDuration())
		}
		return "", fmt.Errorf("auxiliary model failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
