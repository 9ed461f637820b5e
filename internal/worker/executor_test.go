package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/probe-orchestrator/internal/types"
)

// writeWorker creates an executable shell script that drains stdin and runs body
func writeWorker(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	script := "#!/bin/sh\ncat > /dev/null\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestSubprocessExecutor_ProbeSuccess(t *testing.T) {
	worker := writeWorker(t, `echo '{"success": true, "transcript": {"turns": [{"turnNumber": 1, "probePrompt": "p", "targetResponse": "r"}], "totalInputTokens": 12, "totalOutputTokens": 34, "modelVersion": "v1"}}'`)
	exec := NewSubprocessExecutor(worker, "", time.Minute)

	transcript, err := exec.ExecuteProbe(context.Background(), ProbeInput{RunID: "r", ScenarioID: "s", ModelID: "m"})
	require.NoError(t, err)
	require.Len(t, transcript.Turns, 1)
	assert.Equal(t, 12, transcript.TotalInputTokens)
	assert.Equal(t, 34, transcript.TotalOutputTokens)
	require.NotNil(t, transcript.ModelVersion)
	assert.Equal(t, "v1", *transcript.ModelVersion)
}

func TestSubprocessExecutor_SummarizeSuccess(t *testing.T) {
	worker := writeWorker(t, `echo '{"success": true, "summary": {"decisionCode": "2", "decisionText": "Leaned cautious."}}'`)
	exec := NewSubprocessExecutor("", worker, time.Minute)

	summary, err := exec.Summarize(context.Background(), SummarizeInput{TranscriptID: "t"})
	require.NoError(t, err)
	assert.Equal(t, "2", summary.DecisionCode)
}

func TestSubprocessExecutor_WorkerErrors(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		wantRetryable bool
		wantCode      types.ProviderErrorCode
	}{
		{
			name:          "retryable verdict",
			body:          `echo '{"success": false, "error": {"message": "429", "code": "RATE_LIMIT", "retryable": true, "details": null}}'`,
			wantRetryable: true,
			wantCode:      types.CodeRateLimit,
		},
		{
			name:     "permanent verdict",
			body:     `echo '{"success": false, "error": {"message": "no key", "code": "MISSING_API_KEY", "retryable": false, "details": "set ANTHROPIC_API_KEY"}}'; exit 1`,
			wantCode: types.CodeMissingAPIKey,
		},
		{
			name:     "worker's verdict wins over the code table",
			body:     `echo '{"success": false, "error": {"message": "odd", "code": "SERVER_ERROR", "retryable": false}}'`,
			wantCode: types.CodeServerError,
		},
		{
			name:     "output breaks the protocol",
			body:     `echo '{"success": true}'`,
			wantCode: types.CodeInvalidResponse,
		},
		{
			name:     "not json",
			body:     `echo 'Traceback (most recent call last):'`,
			wantCode: types.CodeInvalidResponse,
		},
		{
			name:          "crash without output",
			body:          `echo 'segfault' >&2; exit 139`,
			wantRetryable: true,
			wantCode:      types.CodeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := NewSubprocessExecutor(writeWorker(t, tt.body), "", time.Minute)

			_, err := exec.ExecuteProbe(context.Background(), ProbeInput{})
			require.Error(t, err)
			assert.Equal(t, tt.wantRetryable, types.IsRetryable(err))
			assert.Equal(t, tt.wantCode, errorCode(err))
		})
	}
}

func TestSubprocessExecutor_Timeout(t *testing.T) {
	exec := NewSubprocessExecutor(writeWorker(t, "sleep 5"), "", 50*time.Millisecond)

	start := time.Now()
	_, err := exec.ExecuteProbe(context.Background(), ProbeInput{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)

	var retryable *types.RetryableProviderError
	require.True(t, errors.As(err, &retryable))
	assert.Equal(t, types.CodeTimeout, retryable.Code)
}

func TestSubprocessExecutor_NotConfigured(t *testing.T) {
	exec := NewSubprocessExecutor("", "", time.Minute)

	_, err := exec.Summarize(context.Background(), SummarizeInput{})
	require.Error(t, err)
	assert.False(t, types.IsRetryable(err))
	assert.Equal(t, types.CodeUnsupportedProvider, errorCode(err))
}
