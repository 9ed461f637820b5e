package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jonathan/probe-orchestrator/internal/logging"
	"github.com/jonathan/probe-orchestrator/internal/schemas"
	"github.com/jonathan/probe-orchestrator/internal/types"
)

// ProbeConfig is the generation config handed to the probe worker
type ProbeConfig struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
	MaxTurns    int     `json:"maxTurns"`
}

// ProbeInput is the stdin document of the probe worker
type ProbeInput struct {
	RunID      string         `json:"runId"`
	ScenarioID string         `json:"scenarioId"`
	ModelID    string         `json:"modelId"`
	Scenario   map[string]any `json:"scenario"`
	Config     ProbeConfig    `json:"config"`
}

// Turn is one exchange of a probe conversation
type Turn struct {
	TurnNumber     int    `json:"turnNumber"`
	PromptLabel    string `json:"promptLabel,omitempty"`
	ProbePrompt    string `json:"probePrompt"`
	TargetResponse string `json:"targetResponse"`
	InputTokens    *int   `json:"inputTokens,omitempty"`
	OutputTokens   *int   `json:"outputTokens,omitempty"`
}

// ProbeTranscript is what a successful probe produces
type ProbeTranscript struct {
	Turns             []Turn  `json:"turns"`
	TotalInputTokens  int     `json:"totalInputTokens"`
	TotalOutputTokens int     `json:"totalOutputTokens"`
	ModelVersion      *string `json:"modelVersion,omitempty"`
	StartedAt         *string `json:"startedAt,omitempty"`
	CompletedAt       *string `json:"completedAt,omitempty"`
}

// SummarizeInput is the stdin document of the summarize worker
type SummarizeInput struct {
	TranscriptID      string         `json:"transcriptId"`
	ModelID           string         `json:"modelId"`
	TranscriptContent map[string]any `json:"transcriptContent"`
}

// Summary is the decision extracted from a transcript
type Summary struct {
	DecisionCode string `json:"decisionCode"`
	DecisionText string `json:"decisionText"`
}

// ProbeExecutor runs one probe conversation against a target model
type ProbeExecutor interface {
	ExecuteProbe(ctx context.Context, input ProbeInput) (*ProbeTranscript, error)
}

// SummaryExecutor extracts a decision from a transcript
type SummaryExecutor interface {
	Summarize(ctx context.Context, input SummarizeInput) (*Summary, error)
}

type workerError struct {
	Message   string  `json:"message"`
	Code      string  `json:"code"`
	Retryable bool    `json:"retryable"`
	Details   *string `json:"details"`
}

type workerOutput struct {
	Success    bool             `json:"success"`
	Transcript *ProbeTranscript `json:"transcript,omitempty"`
	Summary    *Summary         `json:"summary,omitempty"`
	Error      *workerError     `json:"error,omitempty"`
}

// SubprocessExecutor runs the probe and summarize workers as child processes speaking
// JSON over stdin/stdout. Worker logs on stderr are forwarded at debug level.
type SubprocessExecutor struct {
	ProbeCommand     []string
	SummarizeCommand []string
	Timeout          time.Duration

	logger zerolog.Logger
}

// NewSubprocessExecutor splits the configured command lines on whitespace
func NewSubprocessExecutor(probeCommand, summarizeCommand string, timeout time.Duration) *SubprocessExecutor {
	return &SubprocessExecutor{
		ProbeCommand:     strings.Fields(probeCommand),
		SummarizeCommand: strings.Fields(summarizeCommand),
		Timeout:          timeout,
		logger:           logging.Component("executor"),
	}
}

// ExecuteProbe implements ProbeExecutor
func (e *SubprocessExecutor) ExecuteProbe(ctx context.Context, input ProbeInput) (*ProbeTranscript, error) {
	out, err := e.run(ctx, "probe", e.ProbeCommand, input, schemas.ProbeOutput)
	if err != nil {
		return nil, err
	}
	return out.Transcript, nil
}

// Summarize implements SummaryExecutor
func (e *SubprocessExecutor) Summarize(ctx context.Context, input SummarizeInput) (*Summary, error) {
	out, err := e.run(ctx, "summarize", e.SummarizeCommand, input, schemas.SummarizeOutput)
	if err != nil {
		return nil, err
	}
	return out.Summary, nil
}

func (e *SubprocessExecutor) run(ctx context.Context, name string, command []string, input any, schema *schemas.Schema) (*workerOutput, error) {
	if len(command) == 0 {
		return nil, types.NewProviderError(types.CodeUnsupportedProvider,
			fmt.Sprintf("%s worker command is not configured", name), "")
	}

	stdin, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s input: %w", name, err)
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// grandchildren holding stdout open must not outlive the timeout
	cmd.WaitDelay = time.Second

	runErr := cmd.Run()
	if stderr.Len() > 0 {
		e.logger.Debug().Str("worker", name).Str("stderr", stderr.String()).Msg("worker output")
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, types.NewProviderError(types.CodeTimeout,
			fmt.Sprintf("%s worker timed out after %s", name, e.Timeout), "")
	}

	// A worker that exits non-zero may still have written a structured error.
	if stdout.Len() == 0 {
		if runErr != nil {
			return nil, types.NewProviderError(types.CodeUnknown,
				fmt.Sprintf("%s worker failed: %v", name, runErr), lastLine(stderr.String()))
		}
		return nil, types.NewProviderError(types.CodeInvalidResponse,
			fmt.Sprintf("%s worker produced no output", name), "")
	}

	if err := schema.Validate(stdout.Bytes()); err != nil {
		return nil, types.NewProviderError(types.CodeInvalidResponse,
			fmt.Sprintf("%s worker output is invalid", name), err.Error())
	}

	var out workerOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, types.NewProviderError(types.CodeInvalidResponse,
			fmt.Sprintf("failed to decode %s worker output", name), err.Error())
	}

	if !out.Success {
		return nil, out.Error.toError()
	}
	return &out, nil
}

// toError honours the worker's own retryable verdict over the code table.
func (w *workerError) toError() error {
	code := types.ProviderErrorCode(w.Code)
	details := ""
	if w.Details != nil {
		details = *w.Details
	}
	if w.Retryable {
		return &types.RetryableProviderError{Code: code, Message: w.Message, Details: details}
	}
	return &types.NonRetryableProviderError{Code: code, Message: w.Message, Details: details}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
