package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunHandler executes a due job's payload. The scheduler records the
// outcome; the handler owns routing (bus injection, agent turns).
type RunHandler func(ctx context.Context, job *Job) error

// Event reports a scheduler decision to an optional observer.
type Event struct {
	Type  string // "run", "error", "skip"
	JobID string
	Error string
}

// Service owns the job store and the single scheduling timer. All
// mutations are serialized and persisted before they take effect.
type Service struct {
	mu      sync.Mutex
	path    string
	jobs    map[string]*Job
	handler RunHandler
	onEvent func(Event)

	timer   *time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// NewService loads (or creates) the job file at path.
func NewService(path string, handler RunHandler, onEvent func(Event)) (*Service, error) {
	s := &Service{
		path:    path,
		jobs:    make(map[string]*Job),
		handler: handler,
		onEvent: onEvent,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start computes next-run times for every enabled job and arms the timer.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	now := time.Now()
	for _, job := range s.jobs {
		if job.Enabled {
			job.State.NextRunMs = nextRun(job, now)
		}
	}
	s.persistLocked()
	s.armLocked()
	slog.Info("cron started", "jobs", len(s.jobs))
}

// Stop disarms the timer and waits for an in-flight run to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.started = false
	s.mu.Unlock()
	s.wg.Wait()
}

// Add creates and persists a job, arming it immediately when enabled.
func (s *Service) Add(name string, schedule Schedule, payload Payload, deleteAfterRun bool) (*Job, error) {
	if err := validateSchedule(schedule); err != nil {
		return nil, err
	}
	if err := validatePayload(payload); err != nil {
		return nil, err
	}

	now := time.Now()
	job := &Job{
		ID:             uuid.NewString(),
		Name:           name,
		Enabled:        true,
		Schedule:       schedule,
		Payload:        payload,
		CreatedAtMs:    now.UnixMilli(),
		UpdatedAtMs:    now.UnixMilli(),
		DeleteAfterRun: deleteAfterRun,
	}
	job.State.NextRunMs = nextRun(job, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	s.persistLocked()
	s.armLocked()
	slog.Info("cron job added", "id", job.ID, "name", name, "kind", schedule.Kind)
	return job.clone(), nil
}

// Update applies mutate to a job under the lock, recomputes its next run,
// and persists. Returns false when the job does not exist.
func (s *Service) Update(id string, mutate func(*Job)) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	mutate(job)
	job.UpdatedAtMs = time.Now().UnixMilli()
	if job.Enabled {
		job.State.NextRunMs = nextRun(job, time.Now())
	} else {
		job.State.NextRunMs = 0
	}
	s.persistLocked()
	s.armLocked()
	return job.clone(), true
}

// Remove deletes a job. Returns false when it does not exist.
func (s *Service) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	s.persistLocked()
	s.armLocked()
	slog.Info("cron job removed", "id", id)
	return true
}

// Get returns a copy of a job.
func (s *Service) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// List returns jobs sorted by next run time, soonest first. Disabled jobs
// are included only when includeDisabled is set.
func (s *Service) List(includeDisabled bool) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if !job.Enabled && !includeDisabled {
			continue
		}
		out = append(out, job.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].State.NextRunMs, out[j].State.NextRunMs
		if a == 0 {
			return false
		}
		if b == 0 {
			return true
		}
		return a < b
	})
	return out
}

// Run fires a job immediately. With force the due time is ignored;
// without it a not-yet-due job is skipped.
func (s *Service) Run(ctx context.Context, id string, force bool) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("cron: job %s not found", id)
	}
	if !force && (job.State.NextRunMs == 0 || job.State.NextRunMs > time.Now().UnixMilli()) {
		job.State.LastStatus = "skipped"
		s.persistLocked()
		s.mu.Unlock()
		s.emit(Event{Type: "skip", JobID: id})
		return nil
	}
	s.mu.Unlock()

	return s.runJob(ctx, id)
}

// armLocked sets the timer for the soonest enabled next run. Caller holds mu.
func (s *Service) armLocked() {
	if !s.started {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	var soonest int64
	for _, job := range s.jobs {
		if !job.Enabled || job.State.NextRunMs == 0 {
			continue
		}
		if soonest == 0 || job.State.NextRunMs < soonest {
			soonest = job.State.NextRunMs
		}
	}
	if soonest == 0 {
		return
	}

	delay := time.Duration(soonest-time.Now().UnixMilli()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	s.timer = time.AfterFunc(delay, s.onTimer)
}

func (s *Service) onTimer() {
	nowMs := time.Now().UnixMilli()

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	var due []string
	for id, job := range s.jobs {
		if job.Enabled && job.State.NextRunMs != 0 && job.State.NextRunMs <= nowMs {
			due = append(due, id)
		}
	}
	ctx := s.ctx
	s.mu.Unlock()

	// Due jobs run sequentially; a slow payload delays later jobs rather
	// than stacking concurrent agent turns.
	for _, id := range due {
		if ctx.Err() != nil {
			return
		}
		s.runJob(ctx, id)
	}

	s.mu.Lock()
	s.armLocked()
	s.mu.Unlock()
}

func (s *Service) runJob(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	startedAt := time.Now()
	job.State.RunningAtMs = startedAt.UnixMilli()
	snapshot := job.clone()
	s.mu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()

	s.emit(Event{Type: "run", JobID: id})
	slog.Info("cron job firing", "id", id, "name", snapshot.Name)

	var runErr error
	if s.handler != nil {
		runErr = s.handler(ctx, snapshot)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok = s.jobs[id]
	if !ok {
		// Removed while running.
		return runErr
	}

	now := time.Now()
	job.State.RunningAtMs = 0
	job.State.LastRunMs = now.UnixMilli()
	job.State.LastDurationMs = now.Sub(startedAt).Milliseconds()
	job.State.RunCount++
	if runErr != nil {
		job.State.LastStatus = "error"
		job.State.LastError = runErr.Error()
		slog.Warn("cron job failed", "id", id, "error", runErr)
		s.emit(Event{Type: "error", JobID: id, Error: runErr.Error()})
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
	}

	if job.DeleteAfterRun {
		delete(s.jobs, id)
	} else {
		// Spent one-shots stay in the store with no next run; nextRun's
		// run-count check keeps them from re-firing after a restart.
		job.State.NextRunMs = nextRun(job, now)
	}
	s.persistLocked()
	s.armLocked()
	return runErr
}

func (s *Service) emit(e Event) {
	if s.onEvent != nil {
		s.onEvent(e)
	}
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cron: read jobs: %w", err)
	}

	var f jobsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("cron: parse jobs: %w", err)
	}
	for _, job := range f.Jobs {
		s.jobs[job.ID] = job
	}
	return nil
}

// persistLocked writes the whole job file atomically. Caller holds mu.
func (s *Service) persistLocked() {
	f := jobsFile{Version: 1, Jobs: make([]*Job, 0, len(s.jobs))}
	for _, job := range s.jobs {
		f.Jobs = append(f.Jobs, job)
	}
	sort.Slice(f.Jobs, func(i, j int) bool { return f.Jobs[i].CreatedAtMs < f.Jobs[j].CreatedAtMs })

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		slog.Error("cron persist marshal failed", "error", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		slog.Error("cron persist mkdir failed", "error", err)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Error("cron persist write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		slog.Error("cron persist rename failed", "error", err)
	}
}

func validateSchedule(sch Schedule) error {
	switch sch.Kind {
	case "at":
		if sch.AtMs <= 0 {
			return fmt.Errorf("cron: at schedule needs a timestamp")
		}
	case "every":
		if sch.EveryMs <= 0 {
			return fmt.Errorf("cron: every schedule needs a positive interval")
		}
	case "cron":
		if !gronxIsValid(sch.Expr) {
			return fmt.Errorf("cron: invalid expression %q", sch.Expr)
		}
	default:
		return fmt.Errorf("cron: unknown schedule kind %q", sch.Kind)
	}
	return nil
}

func validatePayload(p Payload) error {
	switch p.Kind {
	case "systemEvent":
		if p.Text == "" {
			return fmt.Errorf("cron: systemEvent payload needs text")
		}
	case "agentTurn":
		if p.Message == "" {
			return fmt.Errorf("cron: agentTurn payload needs a message")
		}
	default:
		return fmt.Errorf("cron: unknown payload kind %q", p.Kind)
	}
	return nil
}

func (j *Job) clone() *Job {
	c := *j
	return &c
}
