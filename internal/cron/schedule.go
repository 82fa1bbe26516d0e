package cron

import (
	"time"

	"github.com/adhocore/gronx"
)

const (
	// overdueGraceMs is how far in the future an already-due one-shot job
	// is scheduled, so a restart storm does not fire everything at once.
	overdueGraceMs = 1_000

	// parseRetryMs defers jobs whose cron expression fails to parse,
	// rather than disabling them.
	parseRetryMs = 60_000
)

// nextRun computes the job's next fire time in unix ms, relative to now.
// A zero return means the job never fires again.
func nextRun(job *Job, now time.Time) int64 {
	nowMs := now.UnixMilli()

	switch job.Schedule.Kind {
	case "at":
		// One-shot. Fires once even when the time is already past.
		if job.State.RunCount > 0 {
			return 0
		}
		if job.Schedule.AtMs <= nowMs {
			return nowMs + overdueGraceMs
		}
		return job.Schedule.AtMs

	case "every":
		every := job.Schedule.EveryMs
		if every <= 0 {
			return 0
		}
		// Anchor defaults to creation time so the cadence is stable across
		// restarts and slow runs.
		anchor := job.Schedule.AnchorMs
		if anchor <= 0 {
			anchor = job.CreatedAtMs
		}
		if anchor <= 0 {
			anchor = nowMs
		}
		if anchor > nowMs {
			return anchor
		}
		elapsed := nowMs - anchor
		n := elapsed/every + 1
		return anchor + n*every

	case "cron":
		loc := time.UTC
		if job.Schedule.TZ != "" {
			if l, err := time.LoadLocation(job.Schedule.TZ); err == nil {
				loc = l
			}
		}
		next, err := gronx.NextTickAfter(job.Schedule.Expr, now.In(loc), false)
		if err != nil {
			return nowMs + parseRetryMs
		}
		return next.UnixMilli()
	}

	return 0
}

func gronxIsValid(expr string) bool {
	return gronx.New().IsValid(expr)
}
