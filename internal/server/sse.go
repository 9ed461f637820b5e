package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jonathan/probe-orchestrator/internal/progress"
)

// progressStreamInterval is how often a progress stream polls the run
var progressStreamInterval = 2 * time.Second

// SSEWriter writes Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares w for streaming. The write deadline is cleared so long streams
// outlive the server's WriteTimeout.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends an SSE event
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteError sends an error event
func (s *SSEWriter) WriteError(message string) {
	s.WriteEvent("error", map[string]string{"error": message}) //nolint:errcheck
}

// handleProgressStream streams progress snapshots whenever they change, ending with a
// "complete" event once the run reaches a terminal state.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	runID, err := pathRunID(r)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	// 404 before switching to a stream
	snapshot, err := s.services.Progress.GetProgress(r.Context(), runID)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	ticker := time.NewTicker(progressStreamInterval)
	defer ticker.Stop()

	var last *progress.Snapshot
	for {
		if last == nil || !sameSnapshot(*last, *snapshot) {
			if err := sse.WriteEvent("progress", snapshot); err != nil {
				return
			}
			last = snapshot
		}
		if snapshot.Status.IsTerminal() {
			sse.WriteEvent("complete", map[string]string{ //nolint:errcheck
				"runId":  runID.String(),
				"status": string(snapshot.Status),
			})
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		snapshot, err = s.services.Progress.GetProgress(r.Context(), runID)
		if err != nil {
			if r.Context().Err() == nil {
				s.logger.Warn().Err(err).Str("run_id", runID.String()).Msg("progress stream lookup failed")
				sse.WriteError(toErrorBody(err).Error)
			}
			return
		}
	}
}

func sameSnapshot(a, b progress.Snapshot) bool {
	if a.Status != b.Status || a.Progress != b.Progress {
		return false
	}
	if (a.SummarizeProgress == nil) != (b.SummarizeProgress == nil) {
		return false
	}
	return a.SummarizeProgress == nil || *a.SummarizeProgress == *b.SummarizeProgress
}
