// Package sweep runs the background expiry pass: deactivating identities
// past their absolute expiry and purging messages whose disappearing,
// auto-delete or self-destruct deadline has come due.
package sweep

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"personadb/pkg/config"
	"personadb/pkg/logger"
	"personadb/pkg/store"
	"personadb/pkg/telemetry"
)

// Sweeper owns the periodic expiry pass. Runs are idempotent: a deadline is
// either still due (and handled again, to the same result) or already
// cleared from the index.
type Sweeper struct {
	store     *store.Store
	cron      string
	period    time.Duration
	batchSize int
	dryRun    bool
}

// Result summarizes one sweep pass.
type Result struct {
	IdentitiesDeactivated int   `json:"identities_deactivated"`
	MessagesPurged        int   `json:"messages_purged"`
	Scanned               int   `json:"scanned"`
	DurationMS            int64 `json:"duration_ms"`
	DryRun                bool  `json:"dry_run,omitempty"`
}

// New builds a Sweeper from config.
func New(st *store.Store, cfg config.SweepConfig) *Sweeper {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}
	return &Sweeper{
		store:     st,
		cron:      cfg.Cron,
		period:    cfg.Period.Duration(),
		batchSize: batch,
		dryRun:    cfg.DryRun,
	}
}

// Run blocks, sweeping on the configured cron expression or fixed period,
// until the context is cancelled. With neither configured it defaults to a
// one-minute period.
func (w *Sweeper) Run(ctx context.Context) {
	if w.cron != "" {
		w.runCron(ctx)
		return
	}
	period := w.period
	if period <= 0 {
		period = time.Minute
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.sweepAndLog(ctx)
		}
	}
}

func (w *Sweeper) runCron(ctx context.Context) {
	g := gronx.New()
	if !g.IsValid(w.cron) {
		logger.Error("sweep_invalid_cron", "cron", w.cron)
		return
	}
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			due, err := g.IsDue(w.cron, now)
			if err != nil {
				logger.Error("sweep_cron_check_failed", "error", err)
				continue
			}
			if due {
				w.sweepAndLog(ctx)
			}
		}
	}
}

func (w *Sweeper) sweepAndLog(ctx context.Context) {
	res, err := w.RunOnce(ctx, time.Now())
	if err != nil {
		telemetry.SweepRuns.WithLabelValues("error").Inc()
		logger.Error("sweep_failed", "error", err)
		return
	}
	telemetry.SweepRuns.WithLabelValues("ok").Inc()
	logger.Info("sweep_completed",
		"identities_deactivated", res.IdentitiesDeactivated,
		"messages_purged", res.MessagesPurged,
		"scanned", res.Scanned,
		"duration_ms", res.DurationMS,
		"dry_run", res.DryRun)
}

// RunOnce executes a single sweep pass at the given time. Individual
// failures are logged and skipped; the pass keeps going.
func (w *Sweeper) RunOnce(ctx context.Context, now time.Time) (*Result, error) {
	start := time.Now()
	timer := telemetry.SweepDuration
	defer func() { timer.Observe(time.Since(start).Seconds()) }()

	res := &Result{DryRun: w.dryRun}

	users, err := w.store.AllUserIDs()
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if w.dryRun {
			continue
		}
		n, err := w.store.DeactivateExpired(u, now)
		if err != nil {
			logger.Warn("sweep_identity_pass_failed", "user", u, "error", err)
			continue
		}
		if n > 0 {
			telemetry.SweepPurged.WithLabelValues("identity").Add(float64(n))
			res.IdentitiesDeactivated += n
		}
	}

	due, err := w.store.DueMessages(now, w.batchSize)
	if err != nil {
		return res, err
	}
	res.Scanned = len(due)
	for _, d := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if w.dryRun {
			continue
		}
		purged, err := w.store.PurgeMessage(d)
		if err != nil {
			logger.Warn("sweep_purge_failed", "conversation", d.ConversationID, "message", d.MessageID, "error", err)
			continue
		}
		if purged {
			telemetry.SweepPurged.WithLabelValues("message").Inc()
			res.MessagesPurged++
		}
	}
	res.DurationMS = time.Since(start).Milliseconds()
	return res, nil
}
