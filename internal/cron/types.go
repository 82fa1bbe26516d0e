// Package cron schedules durable jobs that wake agents: one-shot timers,
// fixed intervals, and cron expressions. Jobs survive restarts via a
// whole-file JSON store.
package cron

// Schedule describes when a job fires. Exactly one form is active,
// selected by Kind.
type Schedule struct {
	Kind string `json:"kind"` // "at", "every", "cron"

	// at: absolute wall-clock time, unix ms.
	AtMs int64 `json:"atMs,omitempty"`

	// every: fixed interval in ms, anchored so the cadence stays stable
	// regardless of run duration. AnchorMs defaults to the job's creation
	// time.
	EveryMs  int64 `json:"everyMs,omitempty"`
	AnchorMs int64 `json:"anchorMs,omitempty"`

	// cron: standard 5-field expression, optional IANA timezone.
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

// Payload is what a due job does. Exactly one form is active.
type Payload struct {
	Kind string `json:"kind"` // "systemEvent", "agentTurn"

	// systemEvent: inject text into the main agent's inbound queue.
	Text string `json:"text,omitempty"`

	// agentTurn: run an isolated agent turn, optionally delivering the
	// reply to a channel.
	Message string `json:"message,omitempty"`
	Deliver bool   `json:"deliver,omitempty"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// JobState is mutable bookkeeping updated by the scheduler.
type JobState struct {
	NextRunMs      int64  `json:"nextRunMs,omitempty"`
	RunningAtMs    int64  `json:"runningAtMs,omitempty"` // nonzero while executing
	LastRunMs      int64  `json:"lastRunMs,omitempty"`
	LastStatus     string `json:"lastStatus,omitempty"` // "ok", "error", "skipped"
	LastError      string `json:"lastError,omitempty"`
	LastDurationMs int64  `json:"lastDurationMs,omitempty"`
	RunCount       int64  `json:"runCount,omitempty"`
}

// Job is one scheduled entry.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	Description    string   `json:"description,omitempty"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
}

// jobsFile is the on-disk format.
type jobsFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}
