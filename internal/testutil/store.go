// Package testutil provides in-memory fakes of the store and the job queue for unit tests.
package testutil

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/probe-orchestrator/internal/db"
	"github.com/jonathan/probe-orchestrator/internal/types"
)

// Store is an in-memory stand-in for *db.DB. A single mutex plays the role of the
// row locks, so read-modify-write methods are atomic like their SQL counterparts.
type Store struct {
	mu sync.Mutex

	definitions map[uuid.UUID]*db.Definition
	deletedDefs map[uuid.UUID]bool
	scenarios   map[uuid.UUID][]uuid.UUID
	experiments map[uuid.UUID]*db.Experiment
	providers   map[string]*db.Provider
	models      map[string]db.Model
	runs        map[uuid.UUID]*types.Run
	selections  map[uuid.UUID][]uuid.UUID
	transcripts map[uuid.UUID]*db.Transcript
	order       []uuid.UUID
	failures    map[uuid.UUID]map[db.ProbeKey]db.ProbeFailure

	// Errors makes the named method fail with the given error.
	Errors map[string]error
	// Calls counts invocations per method name.
	Calls map[string]int
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		definitions: make(map[uuid.UUID]*db.Definition),
		deletedDefs: make(map[uuid.UUID]bool),
		scenarios:   make(map[uuid.UUID][]uuid.UUID),
		experiments: make(map[uuid.UUID]*db.Experiment),
		providers:   make(map[string]*db.Provider),
		models:      make(map[string]db.Model),
		runs:        make(map[uuid.UUID]*types.Run),
		selections:  make(map[uuid.UUID][]uuid.UUID),
		transcripts: make(map[uuid.UUID]*db.Transcript),
		failures:    make(map[uuid.UUID]map[db.ProbeKey]db.ProbeFailure),
		Errors:      make(map[string]error),
		Calls:       make(map[string]int),
	}
}

// call records the invocation and returns the injected error, if any. Caller holds mu.
func (s *Store) call(name string) error {
	s.Calls[name]++
	return s.Errors[name]
}

// CallCount returns how often a method was invoked
func (s *Store) CallCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls[name]
}

// SetError injects an error for a method; nil clears it
func (s *Store) SetError(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.Errors, name)
		return
	}
	s.Errors[name] = err
}

func copyRun(r *types.Run) *types.Run {
	c := *r
	c.Config.Models = slices.Clone(r.Config.Models)
	if r.SummarizeProgress != nil {
		sp := *r.SummarizeProgress
		c.SummarizeProgress = &sp
	}
	return &c
}

// --- seeding helpers ---

// AddDefinition creates a definition with n active scenarios
func (s *Store) AddDefinition(name string, n int) (*db.Definition, []uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def := &db.Definition{
		ID:        uuid.New(),
		Name:      name,
		Content:   map[string]any{"name": name},
		CreatedAt: time.Now(),
	}
	s.definitions[def.ID] = def

	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	s.scenarios[def.ID] = ids
	return def, slices.Clone(ids)
}

// DeleteDefinition soft-deletes a definition
func (s *Store) DeleteDefinition(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedDefs[id] = true
}

// AddExperiment creates an experiment
func (s *Store) AddExperiment(name string) *db.Experiment {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &db.Experiment{ID: uuid.New(), Name: name, CreatedAt: time.Now()}
	s.experiments[e.ID] = e
	return e
}

// AddProvider creates an enabled provider
func (s *Store) AddProvider(name string, maxParallel, rpm int) *db.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &db.Provider{
		ID:                  uuid.New(),
		Name:                name,
		DisplayName:         name,
		MaxParallelRequests: maxParallel,
		RequestsPerMinute:   rpm,
		IsEnabled:           true,
		UpdatedAt:           time.Now(),
	}
	s.providers[name] = p
	return p
}

// AddModel attaches a model to a provider. Nil pricing leaves the model unpriced.
func (s *Store) AddModel(provider, modelID string, pricing *db.ModelPricing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := db.Model{ID: uuid.New(), ProviderName: provider, ModelID: modelID, Status: db.ModelStatusActive}
	if pricing != nil {
		in, out := pricing.CostInputPerMillion, pricing.CostOutputPerMillion
		m.CostInputPerMillion = &in
		m.CostOutputPerMillion = &out
	}
	s.models[modelID] = m
}

// PutRun stores a run as-is along with its scenario selection
func (s *Store) PutRun(run *types.Run, scenarioIDs []uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	s.runs[run.ID] = copyRun(run)
	s.selections[run.ID] = slices.Clone(scenarioIDs)
}

// SetRunStatus overwrites a run's status without lifecycle checks
func (s *Store) SetRunStatus(runID uuid.UUID, status types.RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		r.Status = status
	}
}

// ProbeFailure returns the recorded failure of one probe, if any
func (s *Store) ProbeFailure(runID uuid.UUID, key db.ProbeKey) (db.ProbeFailure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.failures[runID][key]
	return f, ok
}

// AddTranscript stores a transcript for a probe and returns its id
func (s *Store) AddTranscript(runID, scenarioID uuid.UUID, modelID string) uuid.UUID {
	t := &db.Transcript{RunID: runID, ScenarioID: scenarioID, ModelID: modelID}
	_, _ = s.CreateTranscript(context.Background(), t)
	return t.ID
}

// MarkSummarized marks a transcript summarized, optionally with an error
func (s *Store) MarkSummarized(transcriptID uuid.UUID, withError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.transcripts[transcriptID]
	now := time.Now()
	t.SummarizedAt = &now
	if withError {
		msg := "failed"
		t.SummaryError = &msg
	}
}

// Transcripts returns copies of a run's transcripts in insertion order
func (s *Store) Transcripts(runID uuid.UUID) []db.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Transcript
	for _, id := range s.order {
		if t := s.transcripts[id]; t.RunID == runID {
			out = append(out, *t)
		}
	}
	return out
}

// --- definitions ---

func (s *Store) GetDefinition(_ context.Context, id uuid.UUID) (*db.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("GetDefinition"); err != nil {
		return nil, err
	}
	def, ok := s.definitions[id]
	if !ok || s.deletedDefs[id] {
		return nil, nil
	}
	c := *def
	return &c, nil
}

func (s *Store) ListActiveScenarioIDs(_ context.Context, definitionID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ListActiveScenarioIDs"); err != nil {
		return nil, err
	}
	return slices.Clone(s.scenarios[definitionID]), nil
}

func (s *Store) GetScenario(_ context.Context, id uuid.UUID) (*db.Scenario, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("GetScenario"); err != nil {
		return nil, err
	}
	for defID, ids := range s.scenarios {
		if slices.Contains(ids, id) {
			return &db.Scenario{
				ID:           id,
				DefinitionID: defID,
				Name:         "scenario",
				Content:      map[string]any{"prompt": "What would you do?"},
			}, nil
		}
	}
	return nil, nil
}

func (s *Store) GetExperiment(_ context.Context, id uuid.UUID) (*db.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("GetExperiment"); err != nil {
		return nil, err
	}
	e, ok := s.experiments[id]
	if !ok {
		return nil, nil
	}
	c := *e
	return &c, nil
}

// --- providers ---

func (s *Store) ListEnabledProviders(_ context.Context) ([]db.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ListEnabledProviders"); err != nil {
		return nil, err
	}
	var out []db.Provider
	for _, p := range s.providers {
		if p.IsEnabled {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetProvider(_ context.Context, name string) (*db.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("GetProvider"); err != nil {
		return nil, err
	}
	p, ok := s.providers[name]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func (s *Store) ListModelProviders(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ListModelProviders"); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for id, m := range s.models {
		if p, ok := s.providers[m.ProviderName]; ok && p.IsEnabled {
			out[id] = m.ProviderName
		}
	}
	return out, nil
}

func (s *Store) GetModelProvider(_ context.Context, modelID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("GetModelProvider"); err != nil {
		return "", err
	}
	m, ok := s.models[modelID]
	if !ok {
		return "", nil
	}
	if p, ok := s.providers[m.ProviderName]; !ok || !p.IsEnabled {
		return "", nil
	}
	return m.ProviderName, nil
}

func (s *Store) ListExistingModelIDs(_ context.Context, modelIDs []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ListExistingModelIDs"); err != nil {
		return nil, err
	}
	found := make(map[string]bool)
	for _, id := range modelIDs {
		if _, ok := s.models[id]; ok {
			found[id] = true
		}
	}
	return found, nil
}

func (s *Store) GetModelPricing(_ context.Context, modelIDs []string) (map[string]db.ModelPricing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("GetModelPricing"); err != nil {
		return nil, err
	}
	prices := make(map[string]db.ModelPricing)
	for _, id := range modelIDs {
		m, ok := s.models[id]
		if !ok || m.CostInputPerMillion == nil || m.CostOutputPerMillion == nil {
			continue
		}
		prices[id] = db.ModelPricing{
			CostInputPerMillion:  *m.CostInputPerMillion,
			CostOutputPerMillion: *m.CostOutputPerMillion,
		}
	}
	return prices, nil
}

func (s *Store) UpdateProviderSettings(_ context.Context, name string, settings db.ProviderSettings) (*db.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("UpdateProviderSettings"); err != nil {
		return nil, err
	}
	p, ok := s.providers[name]
	if !ok {
		return nil, nil
	}
	if settings.MaxParallelRequests != nil {
		p.MaxParallelRequests = *settings.MaxParallelRequests
	}
	if settings.RequestsPerMinute != nil {
		p.RequestsPerMinute = *settings.RequestsPerMinute
	}
	if settings.IsEnabled != nil {
		p.IsEnabled = *settings.IsEnabled
	}
	p.UpdatedAt = time.Now()
	c := *p
	return &c, nil
}

// --- runs ---

func (s *Store) CreateRun(_ context.Context, run *types.Run, scenarioIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("CreateRun"); err != nil {
		return err
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	s.runs[run.ID] = copyRun(run)
	s.selections[run.ID] = slices.Clone(scenarioIDs)
	return nil
}

func (s *Store) GetRun(_ context.Context, runID uuid.UUID) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("GetRun"); err != nil {
		return nil, err
	}
	r, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	return copyRun(r), nil
}

func (s *Store) ListRunsByStatus(_ context.Context, statuses ...types.RunStatus) ([]types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ListRunsByStatus"); err != nil {
		return nil, err
	}
	var out []types.Run
	for _, r := range s.runs {
		if r.DeletedAt == nil && slices.Contains(statuses, r.Status) {
			out = append(out, *copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListSelectedScenarioIDs(_ context.Context, runID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ListSelectedScenarioIDs"); err != nil {
		return nil, err
	}
	return slices.Clone(s.selections[runID]), nil
}

func (s *Store) TransitionRunStatus(_ context.Context, runID uuid.UUID, from []types.RunStatus, to types.RunStatus) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("TransitionRunStatus"); err != nil {
		return nil, err
	}
	r, ok := s.runs[runID]
	if !ok || r.DeletedAt != nil || !slices.Contains(from, r.Status) {
		return nil, nil
	}
	now := time.Now().UTC()
	r.Status = to
	r.UpdatedAt = now
	if to.IsTerminal() {
		r.CompletedAt = &now
	}
	return copyRun(r), nil
}

func (s *Store) ResumeRun(_ context.Context, runID uuid.UUID) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ResumeRun"); err != nil {
		return nil, err
	}
	r, ok := s.runs[runID]
	if !ok || r.DeletedAt != nil || r.Status != types.RunStatusPaused {
		return nil, nil
	}
	if r.StartedAt == nil {
		r.Status = types.RunStatusPending
	} else {
		r.Status = types.RunStatusRunning
	}
	r.UpdatedAt = time.Now().UTC()
	return copyRun(r), nil
}

func (s *Store) UpdateRunName(_ context.Context, runID uuid.UUID, name *string) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("UpdateRunName"); err != nil {
		return nil, err
	}
	r, ok := s.runs[runID]
	if !ok || r.DeletedAt != nil {
		return nil, nil
	}
	r.Name = name
	r.UpdatedAt = time.Now().UTC()
	return copyRun(r), nil
}

func (s *Store) SoftDeleteRun(_ context.Context, runID uuid.UUID, userID *uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("SoftDeleteRun"); err != nil {
		return false, err
	}
	r, ok := s.runs[runID]
	if !ok || r.DeletedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	r.DeletedAt = &now
	r.DeletedByUserID = userID
	return true, nil
}

func (s *Store) ApplyProgressDelta(_ context.Context, runID uuid.UUID, completed, failed int) (*db.ProgressUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ApplyProgressDelta"); err != nil {
		return nil, err
	}
	r, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	previous := r.Status
	r.ApplyProgress(completed, failed, time.Now().UTC())
	return &db.ProgressUpdate{PreviousStatus: previous, Run: copyRun(r)}, nil
}

func (s *Store) ApplySummarizeDelta(_ context.Context, runID uuid.UUID, completed, failed int) (*db.SummarizeUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ApplySummarizeDelta"); err != nil {
		return nil, err
	}
	r, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	previous := r.Status
	r.ApplySummarizeProgress(completed, failed, time.Now().UTC())
	return &db.SummarizeUpdate{PreviousStatus: previous, Run: copyRun(r)}, nil
}

func (s *Store) SeedSummarization(_ context.Context, runID uuid.UUID, total int) (*types.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("SeedSummarization"); err != nil {
		return nil, false, err
	}
	r, ok := s.runs[runID]
	if !ok || r.Status != types.RunStatusSummarizing || r.SummarizeProgress != nil {
		return nil, false, nil
	}
	r.SummarizeProgress = &types.Progress{Total: total}
	if total == 0 {
		now := time.Now().UTC()
		r.Status = types.RunStatusCompleted
		r.CompletedAt = &now
	}
	return copyRun(r), true, nil
}

func (s *Store) RestartSummarization(_ context.Context, runID uuid.UUID, transcriptIDs []uuid.UUID) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("RestartSummarization"); err != nil {
		return nil, err
	}
	r, ok := s.runs[runID]
	if !ok || r.DeletedAt != nil || !r.Status.IsTerminal() {
		return nil, nil
	}
	for _, id := range transcriptIDs {
		if t, ok := s.transcripts[id]; ok && t.RunID == runID {
			t.SummarizedAt = nil
			t.SummaryError = nil
		}
	}
	total := len(transcriptIDs)
	r.SummarizeProgress = &types.Progress{Total: total}
	if total > 0 {
		r.Status = types.RunStatusSummarizing
		r.CompletedAt = nil
	}
	return copyRun(r), nil
}

// --- transcripts ---

func (s *Store) CreateTranscript(_ context.Context, t *db.Transcript) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("CreateTranscript"); err != nil {
		return false, err
	}
	for _, existing := range s.transcripts {
		if existing.RunID == t.RunID && existing.ScenarioID == t.ScenarioID && existing.ModelID == t.ModelID {
			return false, nil
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now().UTC()
	c := *t
	s.transcripts[t.ID] = &c
	s.order = append(s.order, t.ID)
	return true, nil
}

func (s *Store) GetTranscript(_ context.Context, id uuid.UUID) (*db.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("GetTranscript"); err != nil {
		return nil, err
	}
	t, ok := s.transcripts[id]
	if !ok {
		return nil, nil
	}
	c := *t
	return &c, nil
}

func (s *Store) ListTranscriptRefs(_ context.Context, runID uuid.UUID) ([]db.TranscriptRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ListTranscriptRefs"); err != nil {
		return nil, err
	}
	var refs []db.TranscriptRef
	for _, id := range s.order {
		t := s.transcripts[id]
		if t.RunID != runID {
			continue
		}
		refs = append(refs, db.TranscriptRef{
			ID:           t.ID,
			ScenarioID:   t.ScenarioID,
			ModelID:      t.ModelID,
			Summarized:   t.SummarizedAt != nil,
			SummaryError: t.SummaryError != nil,
		})
	}
	return refs, nil
}

func (s *Store) CountTranscripts(_ context.Context, runID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("CountTranscripts"); err != nil {
		return 0, err
	}
	count := 0
	for _, t := range s.transcripts {
		if t.RunID == runID {
			count++
		}
	}
	return count, nil
}

func (s *Store) SaveSummary(_ context.Context, transcriptID uuid.UUID, code, text string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("SaveSummary"); err != nil {
		return false, err
	}
	t, ok := s.transcripts[transcriptID]
	if !ok || (t.SummarizedAt != nil && t.SummaryError == nil) {
		return false, nil
	}
	now := time.Now().UTC()
	t.DecisionCode = &code
	t.DecisionText = &text
	t.SummarizedAt = &now
	t.SummaryError = nil
	return true, nil
}

func (s *Store) SaveSummaryError(_ context.Context, transcriptID uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("SaveSummaryError"); err != nil {
		return err
	}
	if t, ok := s.transcripts[transcriptID]; ok {
		now := time.Now().UTC()
		t.SummaryError = &message
		t.SummarizedAt = &now
	}
	return nil
}

func (s *Store) RecordProbeFailure(_ context.Context, f *db.ProbeFailure) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("RecordProbeFailure"); err != nil {
		return false, err
	}
	for _, t := range s.transcripts {
		if t.RunID == f.RunID && t.ScenarioID == f.ScenarioID && t.ModelID == f.ModelID {
			return false, nil
		}
	}
	key := db.ProbeKey{ScenarioID: f.ScenarioID, ModelID: f.ModelID}
	if s.failures[f.RunID] == nil {
		s.failures[f.RunID] = make(map[db.ProbeKey]db.ProbeFailure)
	}
	if _, exists := s.failures[f.RunID][key]; exists {
		return false, nil
	}
	s.failures[f.RunID][key] = *f
	return true, nil
}

func (s *Store) ListProbeFailureKeys(_ context.Context, runID uuid.UUID) ([]db.ProbeKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ListProbeFailureKeys"); err != nil {
		return nil, err
	}
	var keys []db.ProbeKey
	for k := range s.failures[runID] {
		keys = append(keys, k)
	}
	return keys, nil
}
