// Package describe writes edit prompts for target images that arrive
// without a description, using an OpenAI-compatible vision chat model.
package describe

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/faceflow/internal/storage"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const (
	DefaultBaseURL     = "https://api.x.ai/v1"
	DefaultModel       = "grok-4"
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 500
	DefaultTimeout     = 60 * time.Second
)

const defaultSystemPrompt = "You write prompts for an image-to-image edit model. " +
	"The FIRST image is the reference: keep its pose, clothing, lighting, background and framing exactly. " +
	"The SECOND image is the identity anchor: only its face should be carried over. " +
	"Describe only what is visible in the reference image. Never invent hidden details."

const defaultUserPrompt = "Write a single edit prompt that keeps everything about image 1 " +
	"and replaces the face with the face from image 2. Output only the prompt. " +
	"End with: photorealistic, ultra-detailed, natural skin texture."

var ErrAPIKeyNotSet = errors.New("describer api key not set")

type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	SystemPrompt string
	UserPrompt   string
}

type Describer struct {
	client  openai.Client
	cfg     Config
	timeout time.Duration
}

func New(cfg Config, opts ...option.RequestOption) (*Describer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrAPIKeyNotSet
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.UserPrompt == "" {
		cfg.UserPrompt = defaultUserPrompt
	}

	opts = append([]option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
	}, opts...)

	return &Describer{
		client:  openai.NewClient(opts...),
		cfg:     cfg,
		timeout: cfg.Timeout,
	}, nil
}

// Describe returns a prompt that keeps the reference image's scene and
// swaps in the anchor's face.
func (d *Describer) Describe(ctx context.Context, referencePath, anchorPath string) (string, error) {
	reference, err := dataURL(referencePath)
	if err != nil {
		return "", err
	}
	anchor, err := dataURL(anchorPath)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(d.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(d.cfg.SystemPrompt),
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(d.cfg.UserPrompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: reference}),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: anchor}),
			}),
		},
		Temperature: openai.Float(d.cfg.Temperature),
		MaxTokens:   openai.Int(int64(d.cfg.MaxTokens)),
	}

	completion, err := d.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("describe image: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("describe image: no completion choices returned")
	}

	prompt := strings.TrimSpace(completion.Choices[0].Message.Content)
	if prompt == "" {
		return "", fmt.Errorf("describe image: empty completion")
	}
	return prompt, nil
}

func dataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image %s: %w", path, err)
	}
	return "data:" + storage.ContentTypeFor(path) + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
