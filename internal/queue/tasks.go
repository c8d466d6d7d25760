package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypeGenerateImage = "image:generate"

type GenerateImagePayload struct {
	JobID       string    `json:"job_id"`
	Name        string    `json:"name"`
	TargetKey   string    `json:"target_key"`
	TargetURL   string    `json:"target_url"`
	AnchorKey   string    `json:"anchor_key"`
	AnchorURL   string    `json:"anchor_url"`
	Prompt      string    `json:"prompt"`
	RequestedAt time.Time `json:"requested_at"`
}

func (p GenerateImagePayload) Validate() error {
	switch {
	case strings.TrimSpace(p.JobID) == "":
		return errors.New("job_id is required")
	case strings.TrimSpace(p.TargetURL) == "":
		return errors.New("target_url is required")
	case strings.TrimSpace(p.AnchorURL) == "":
		return errors.New("anchor_url is required")
	}
	return nil
}

func NewGenerateImageTask(payload GenerateImagePayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("validate generate payload: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate payload: %w", err)
	}
	return asynq.NewTask(TypeGenerateImage, body), nil
}

func ParseGenerateImagePayload(task *asynq.Task) (GenerateImagePayload, error) {
	var payload GenerateImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return GenerateImagePayload{}, fmt.Errorf("unmarshal generate payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return GenerateImagePayload{}, err
	}
	return payload, nil
}
