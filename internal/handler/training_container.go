package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/t77yq/trainflow/internal/model"
)

// TrainingContainerPayload configures a containerized training run
type TrainingContainerPayload struct {
	Image      string            `json:"image"`
	Command    []string          `json:"command,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	PullImage  bool              `json:"pull_image,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
}

// TrainingContainerResult is the handler's output payload
type TrainingContainerResult struct {
	ContainerID string `json:"container_id"`
	ExitCode    int64  `json:"exit_code"`
}

// TrainingContainerHandler runs training jobs as Docker containers and
// waits for them to exit.
type TrainingContainerHandler struct {
	logger *zap.Logger
	docker *client.Client
}

// NewTrainingContainerHandler creates the handler with a Docker client
// configured from the environment.
func NewTrainingContainerHandler(logger *zap.Logger) (*TrainingContainerHandler, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &TrainingContainerHandler{
		logger: logger,
		docker: docker,
	}, nil
}

// Execute creates, starts and waits on the training container. A
// non-zero exit code fails the job.
func (h *TrainingContainerHandler) Execute(ctx context.Context, job model.JobConfig) (json.RawMessage, error) {
	var payload TrainingContainerPayload
	if err := decodeConfig(job, &payload); err != nil {
		return nil, err
	}
	if payload.Image == "" {
		return nil, fmt.Errorf("training container job %s: image is required", job.ID)
	}

	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	if payload.PullImage {
		reader, err := h.docker.ImagePull(ctx, payload.Image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", payload.Image, err)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	env := make([]string, 0, len(payload.Env))
	for k, v := range payload.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	created, err := h.docker.ContainerCreate(ctx, &container.Config{
		Image:      payload.Image,
		Cmd:        payload.Command,
		Env:        env,
		WorkingDir: payload.WorkingDir,
	}, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer h.docker.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})

	h.logger.Info("Starting training container",
		zap.String("job_id", job.ID),
		zap.String("image", payload.Image),
		zap.String("container_id", created.ID))

	if err := h.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	statusCh, errCh := h.docker.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("failed waiting for container: %w", err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return nil, fmt.Errorf("training container exited with code %d", status.StatusCode)
		}
		return json.Marshal(TrainingContainerResult{
			ContainerID: created.ID,
			ExitCode:    status.StatusCode,
		})
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
