package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/trainflow/internal/model"
)

// TrainingScriptPayload configures a local training script invocation
type TrainingScriptPayload struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
}

// TrainingScriptHandler runs training entry points as local processes,
// for workers that train on the host rather than in a container.
type TrainingScriptHandler struct {
	logger *zap.Logger
}

// NewTrainingScriptHandler creates a new training script handler
func NewTrainingScriptHandler(logger *zap.Logger) *TrainingScriptHandler {
	return &TrainingScriptHandler{logger: logger}
}

// Execute runs the script and captures its combined output
func (h *TrainingScriptHandler) Execute(ctx context.Context, job model.JobConfig) (json.RawMessage, error) {
	var payload TrainingScriptPayload
	if err := decodeConfig(job, &payload); err != nil {
		return nil, err
	}
	if payload.Command == "" {
		return nil, fmt.Errorf("training script job %s: command is required", job.ID)
	}

	cmdCtx := ctx
	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cmdCtx, payload.Command, payload.Args...)
	if payload.WorkingDir != "" {
		cmd.Dir = payload.WorkingDir
	}
	if len(payload.Env) > 0 {
		env := make([]string, 0, len(payload.Env))
		for k, v := range payload.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = append(cmd.Env, env...)
	}

	h.logger.Info("Executing training script",
		zap.String("job_id", job.ID),
		zap.String("command", payload.Command),
		zap.Strings("args", payload.Args))

	output, err := cmd.CombinedOutput()
	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("training script timed out after %s", payload.Timeout)
		}
		return nil, fmt.Errorf("training script failed: %s", strings.TrimSpace(string(output)))
	}

	return json.Marshal(map[string]string{
		"output": strings.TrimSpace(string(output)),
	})
}
