// Package handler provides the built-in job handlers registered on
// worker runtimes and on the in-process registry.
package handler

import (
	"encoding/json"
	"fmt"

	"github.com/t77yq/trainflow/internal/model"
)

// decodeConfig maps a job's free-form config into a typed payload
func decodeConfig(job model.JobConfig, payload interface{}) error {
	data, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal job config: %w", err)
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return fmt.Errorf("failed to unmarshal job config: %w", err)
	}
	return nil
}
