package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"taskwarden/internal/types"
)

// GenAIExecutor hands model-division tasks to Gemini and returns the model's
// work output. Human-division tasks are refused; those go to a person.
type GenAIExecutor struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewGenAIExecutor creates a Gemini-backed executor.
func NewGenAIExecutor(apiKey, model string, timeout time.Duration, logger *zap.Logger) (*GenAIExecutor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIExecutor{
		client:  client,
		model:   model,
		timeout: timeout,
		logger:  logger.Named("genai-executor"),
	}, nil
}

// Execute sends the task to the model and returns its output.
func (e *GenAIExecutor) Execute(ctx context.Context, task types.TaskDescription, c types.Classification) (types.ExecutionResult, error) {
	if c.Division != types.DivisionAI {
		return types.ExecutionResult{}, fmt.Errorf("genai executor only serves model-division tasks, got %s", c.Division)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	prompt := buildPrompt(task, c.Technique)
	e.logger.Debug("Sending task to model",
		zap.String("model", e.model),
		zap.String("technique", c.Technique),
		zap.String("task", task.Summary))

	start := time.Now()
	result, err := e.client.Models.GenerateContent(ctx, e.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(0.2)),
	})
	if err != nil {
		return types.ExecutionResult{}, fmt.Errorf("GenAI execution failed: %w", err)
	}

	text := result.Text()
	if text == "" {
		return types.ExecutionResult{}, fmt.Errorf("model returned no text")
	}

	e.logger.Debug("Model execution complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("output_chars", len(text)))

	return types.ExecutionResult{
		Output:          text,
		ProducedByModel: true,
	}, nil
}

// buildPrompt shapes the request per the classified prompting technique.
func buildPrompt(task types.TaskDescription, technique string) string {
	var b strings.Builder
	b.WriteString("You are completing a delegated engineering task.\n\n")
	b.WriteString("Task: ")
	b.WriteString(task.Summary)
	b.WriteString("\n")
	if task.Detail != "" {
		b.WriteString("Detail: ")
		b.WriteString(task.Detail)
		b.WriteString("\n")
	}

	switch technique {
	case "chain_of_thought":
		b.WriteString("\nWork through the cause step by step, then give the final change.\n")
	case "few_shot":
		b.WriteString("\nFollow the shape of this example:\n")
		b.WriteString("  task: rename config field timeout_secs to timeout\n")
		b.WriteString("  work: update struct tag, call sites, and fixture files; note each file touched\n")
	}

	b.WriteString("\nRespond with the completed work only.\n")
	return b.String()
}
