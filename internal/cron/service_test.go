package cron

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestService(t *testing.T, handler RunHandler) (*Service, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cron.json")
	s, err := NewService(path, handler, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, path
}

func TestNextRunOneShot(t *testing.T) {
	now := time.Now()

	// Future time fires exactly then.
	job := &Job{Schedule: Schedule{Kind: "at", AtMs: now.UnixMilli() + 60_000}}
	if got := nextRun(job, now); got != job.Schedule.AtMs {
		t.Errorf("future at: got %d, want %d", got, job.Schedule.AtMs)
	}

	// Past time still fires once, shortly after now.
	job = &Job{Schedule: Schedule{Kind: "at", AtMs: now.UnixMilli() - 60_000}}
	got := nextRun(job, now)
	if got != now.UnixMilli()+overdueGraceMs {
		t.Errorf("overdue at: got %d, want now+grace", got)
	}

	// Already ran: never again.
	job.State.RunCount = 1
	if got := nextRun(job, now); got != 0 {
		t.Errorf("spent one-shot: got %d, want 0", got)
	}
}

func TestNextRunEveryAnchored(t *testing.T) {
	now := time.Now()
	created := now.Add(-25 * time.Second).UnixMilli()
	job := &Job{
		CreatedAtMs: created,
		Schedule:    Schedule{Kind: "every", EveryMs: 10_000},
	}

	got := nextRun(job, now)
	want := created + 30_000 // next multiple of 10s after 25s elapsed
	if got != want {
		t.Errorf("anchored every: got %d, want %d", got, want)
	}
	if got <= now.UnixMilli() {
		t.Errorf("next run %d not in the future", got)
	}
}

func TestNextRunCronExpr(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 30, 30, 0, time.UTC)
	job := &Job{Schedule: Schedule{Kind: "cron", Expr: "0 * * * *"}}

	got := nextRun(job, now)
	want := time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC).UnixMilli()
	if got != want {
		t.Errorf("hourly cron: got %d, want %d", got, want)
	}
}

func TestNextRunBadExprDefers(t *testing.T) {
	now := time.Now()
	job := &Job{Schedule: Schedule{Kind: "cron", Expr: "not a cron expr"}}
	got := nextRun(job, now)
	if got != now.UnixMilli()+parseRetryMs {
		t.Errorf("bad expr: got %d, want now+retry", got)
	}
}

func TestAddValidates(t *testing.T) {
	s, _ := newTestService(t, nil)

	if _, err := s.Add("bad", Schedule{Kind: "cron", Expr: "nope"}, Payload{Kind: "systemEvent", Text: "x"}, false); err == nil {
		t.Error("invalid cron expression accepted")
	}
	if _, err := s.Add("bad", Schedule{Kind: "every", EveryMs: 1000}, Payload{Kind: "agentTurn"}, false); err == nil {
		t.Error("empty agentTurn message accepted")
	}
	if _, err := s.Add("ok", Schedule{Kind: "every", EveryMs: 1000}, Payload{Kind: "systemEvent", Text: "tick"}, false); err != nil {
		t.Errorf("valid job rejected: %v", err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	s, path := newTestService(t, nil)
	job, err := s.Add("daily", Schedule{Kind: "cron", Expr: "0 9 * * *"}, Payload{Kind: "systemEvent", Text: "standup"}, false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	var f jobsFile
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("parse store: %v", err)
	}
	if f.Version != 1 || len(f.Jobs) != 1 {
		t.Fatalf("store = version %d, %d jobs", f.Version, len(f.Jobs))
	}

	// A fresh service sees the job.
	s2, err := NewService(path, nil, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer s2.Stop()
	if _, ok := s2.Get(job.ID); !ok {
		t.Error("job lost across reload")
	}
}

func TestOneShotFiresAndIsRemoved(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	handler := func(ctx context.Context, job *Job) error {
		mu.Lock()
		ran = append(ran, job.ID)
		mu.Unlock()
		return nil
	}
	s, _ := newTestService(t, handler)
	s.Start(context.Background())

	job, err := s.Add("soon", Schedule{Kind: "at", AtMs: time.Now().Add(30 * time.Millisecond).UnixMilli()}, Payload{Kind: "systemEvent", Text: "ping"}, true)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(ran)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 1 || ran[0] != job.ID {
		t.Fatalf("ran = %v", ran)
	}
	if _, ok := s.Get(job.ID); ok {
		t.Error("delete-after-run job still present after firing")
	}
}

func TestSpentOneShotRetained(t *testing.T) {
	ran := 0
	handler := func(ctx context.Context, job *Job) error {
		ran++
		return nil
	}
	s, path := newTestService(t, handler)

	job, err := s.Add("once", Schedule{Kind: "at", AtMs: time.Now().UnixMilli()}, Payload{Kind: "systemEvent", Text: "ping"}, false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Run(context.Background(), job.ID, true); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, ok := s.Get(job.ID)
	if !ok {
		t.Fatal("spent one-shot was deleted")
	}
	if got.State.NextRunMs != 0 || got.State.RunCount != 1 || got.State.LastStatus != "ok" {
		t.Errorf("state = %+v", got.State)
	}

	// A restart must not re-fire it.
	s.Stop()
	s2, err := NewService(path, handler, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer s2.Stop()
	s2.Start(context.Background())

	got, ok = s2.Get(job.ID)
	if !ok {
		t.Fatal("spent one-shot lost across reload")
	}
	if got.State.NextRunMs != 0 {
		t.Errorf("spent one-shot rearmed with next run %d", got.State.NextRunMs)
	}
	if ran != 1 {
		t.Errorf("run count = %d, want 1", ran)
	}
}

func TestNotDueRunMarksSkipped(t *testing.T) {
	ran := 0
	handler := func(ctx context.Context, job *Job) error {
		ran++
		return nil
	}
	s, _ := newTestService(t, handler)

	job, _ := s.Add("later", Schedule{Kind: "every", EveryMs: 3_600_000}, Payload{Kind: "systemEvent", Text: "tick"}, false)
	if err := s.Run(context.Background(), job.ID, false); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if ran != 0 {
		t.Errorf("not-due job ran")
	}
	got, _ := s.Get(job.ID)
	if got.State.LastStatus != "skipped" {
		t.Errorf("last status = %q, want skipped", got.State.LastStatus)
	}
}

func TestRunForceIgnoresDueTime(t *testing.T) {
	ran := 0
	handler := func(ctx context.Context, job *Job) error {
		ran++
		return nil
	}
	s, _ := newTestService(t, handler)

	job, _ := s.Add("later", Schedule{Kind: "every", EveryMs: 3_600_000}, Payload{Kind: "systemEvent", Text: "tick"}, false)

	// Not due, not forced: skipped.
	if err := s.Run(context.Background(), job.ID, false); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ran != 0 {
		t.Errorf("not-due job ran")
	}

	if err := s.Run(context.Background(), job.ID, true); err != nil {
		t.Fatalf("Run force: %v", err)
	}
	if ran != 1 {
		t.Errorf("forced run count = %d", ran)
	}

	got, _ := s.Get(job.ID)
	if got.State.LastStatus != "ok" || got.State.RunCount != 1 {
		t.Errorf("state after run = %+v", got.State)
	}
}

func TestHandlerErrorRecorded(t *testing.T) {
	handler := func(ctx context.Context, job *Job) error {
		return context.DeadlineExceeded
	}
	var events []Event
	path := filepath.Join(t.TempDir(), "cron.json")
	s, err := NewService(path, handler, func(e Event) { events = append(events, e) })
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	job, _ := s.Add("failing", Schedule{Kind: "every", EveryMs: 60_000}, Payload{Kind: "systemEvent", Text: "x"}, false)
	s.Run(context.Background(), job.ID, true)

	got, _ := s.Get(job.ID)
	if got.State.LastStatus != "error" || got.State.LastError == "" {
		t.Errorf("state = %+v", got.State)
	}

	foundErr := false
	for _, e := range events {
		if e.Type == "error" && e.JobID == job.ID {
			foundErr = true
		}
	}
	if !foundErr {
		t.Errorf("no error event emitted: %v", events)
	}
}

func TestDisabledJobNotScheduled(t *testing.T) {
	s, _ := newTestService(t, nil)
	job, _ := s.Add("paused", Schedule{Kind: "every", EveryMs: 1000}, Payload{Kind: "systemEvent", Text: "x"}, false)

	updated, ok := s.Update(job.ID, func(j *Job) { j.Enabled = false })
	if !ok {
		t.Fatal("Update: job missing")
	}
	if updated.State.NextRunMs != 0 {
		t.Errorf("disabled job has next run %d", updated.State.NextRunMs)
	}

	listed := s.List(false)
	if len(listed) != 0 {
		t.Errorf("disabled job listed: %v", listed)
	}
	listed = s.List(true)
	if len(listed) != 1 {
		t.Errorf("includeDisabled list = %d jobs", len(listed))
	}
}

func TestRemove(t *testing.T) {
	s, _ := newTestService(t, nil)
	job, _ := s.Add("gone", Schedule{Kind: "every", EveryMs: 1000}, Payload{Kind: "systemEvent", Text: "x"}, false)

	if !s.Remove(job.ID) {
		t.Error("Remove returned false for existing job")
	}
	if s.Remove(job.ID) {
		t.Error("Remove returned true for missing job")
	}
}
