// Package driver runs the orchestrator loop: each tick it plans the due
// job set, executes admitted jobs on a bounded worker pool and reconciles
// state and notifications.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"parsync/internal/config"
	"parsync/internal/locker"
	"parsync/internal/mounts"
	"parsync/internal/notify"
	obs "parsync/internal/observability"
	"parsync/internal/parity"
	"parsync/internal/planner"
	"parsync/internal/resource"
	"parsync/internal/state"
)

// Job outcomes.
const (
	OutcomeGood    = "good"
	OutcomeWarning = "warning"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// SyncRunner mirrors a sync target.
type SyncRunner interface {
	Sync(ctx context.Context, t config.SyncTarget) error
}

// ScrubRunner maintains a parity database.
type ScrubRunner interface {
	FullScrub(ctx context.Context, t config.ScrubTarget) (parity.Report, error)
	ParityUpdate(ctx context.Context, t config.ScrubTarget) (parity.Report, error)
}

// Notifier delivers job outcomes.
type Notifier interface {
	Send(ctx context.Context, n notify.Notification) error
}

// ChangeTracker exposes a scrub target's change generation. A pass
// captures the generation before reading the directory and clears only
// through it afterwards, so changes made while the pass ran keep the
// target dirty for the next tick.
type ChangeTracker interface {
	Generation(id string) uint64
	ClearThrough(id string, gen uint64)
}

// Driver owns the tick loop and the admission gates.
type Driver struct {
	cfg      config.Config
	planner  *planner.Planner
	store    *state.Store
	mounts   *mounts.Validator
	gate     *resource.Gate
	locks    *locker.Coordinator
	syncer   SyncRunner
	scrubber ScrubRunner
	notifier Notifier

	// tracker resets a scrub target's change state after a pass covered
	// it. nil when no change tracking is wired.
	tracker ChangeTracker

	// now is replaceable in tests.
	now func() time.Time

	// deferrals counts consecutive lock-contention skips per target.
	deferrals map[string]int
}

// New wires a driver from its collaborators. tracker may be nil.
func New(cfg config.Config, pl *planner.Planner, store *state.Store,
	mv *mounts.Validator, gate *resource.Gate, locks *locker.Coordinator,
	syncer SyncRunner, scrubber ScrubRunner, notifier Notifier,
	tracker ChangeTracker) *Driver {
	return &Driver{
		cfg:       cfg,
		planner:   pl,
		store:     store,
		mounts:    mv,
		gate:      gate,
		locks:     locks,
		syncer:    syncer,
		scrubber:  scrubber,
		notifier:  notifier,
		tracker:   tracker,
		now:       time.Now,
		deferrals: make(map[string]int),
	}
}

// Run ticks immediately, then on every interval until ctx is done.
// In-flight jobs finish before Run returns.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()
	for {
		d.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// result is the execution record for one planned job.
type result struct {
	job      planner.Job
	outcome  string
	skipped  string // gate reason when outcome is skipped
	report   parity.Report
	err      error
	start    time.Time
	duration time.Duration
	// gen is the target's change generation captured before the pass.
	gen uint64
}

// Tick runs one Planning, Executing, Reconciling cycle. Jobs execute in
// stage order: every job of a stage completes before the next stage is
// admitted, so a scrub never races the sync feeding its directory.
func (d *Driver) Tick(ctx context.Context) {
	now := d.now()
	jobs := d.planner.Plan(now)
	if len(jobs) == 0 {
		return
	}
	obs.Logger.Info().Int("jobs", len(jobs)).Msg("tick planned")

	var (
		mu      sync.Mutex
		results []result
	)
	maxStage := 0
	for _, j := range jobs {
		if j.Stage > maxStage {
			maxStage = j.Stage
		}
	}
	sem := make(chan struct{}, d.cfg.Workers)
	for stage := 0; stage <= maxStage; stage++ {
		var wg sync.WaitGroup
		for _, j := range jobs {
			if j.Stage != stage {
				continue
			}
			if ctx.Err() != nil {
				// Shutdown requested: stop admitting, let started jobs
				// drain.
				break
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(j planner.Job) {
				defer wg.Done()
				defer func() { <-sem }()
				r := d.execute(ctx, j)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}(j)
		}
		wg.Wait()
	}

	d.reconcile(ctx, now, results)
}

// execute passes one job through the admission gates and runs it. Gates
// are checked in order: mount presence, memory pressure, path locks.
func (d *Driver) execute(ctx context.Context, j planner.Job) result {
	missing, err := d.mounts.Validate(j.Paths)
	if err != nil || len(missing) > 0 {
		if err != nil {
			obs.Logger.Warn().Err(err).Str(obs.FieldTarget, j.ID).Msg("mount check failed")
		}
		return result{job: j, outcome: OutcomeSkipped, skipped: obs.ReasonMount}
	}

	if !d.gate.Admit(j.Kind.Class()) {
		return result{job: j, outcome: OutcomeSkipped, skipped: obs.ReasonMemory}
	}

	var held []*locker.Lock
	release := func() {
		for _, l := range held {
			l.Release()
		}
	}
	for _, p := range j.Paths {
		l, ok, err := d.locks.TryAcquire(p)
		if err != nil || !ok {
			if err != nil {
				obs.Logger.Warn().Err(err).Str(obs.FieldPath, p).Msg("lock acquire failed")
			}
			release()
			return result{job: j, outcome: OutcomeSkipped, skipped: obs.ReasonLock}
		}
		held = append(held, l)
	}
	defer release()

	start := time.Now()
	r := result{job: j, start: start}
	if d.tracker != nil && j.Kind != planner.KindSync {
		r.gen = d.tracker.Generation(j.ID)
	}
	switch j.Kind {
	case planner.KindSync:
		r.err = d.syncer.Sync(ctx, *j.Sync)
	case planner.KindFullScrub:
		r.report, r.err = d.scrubber.FullScrub(ctx, *j.Scrub)
	case planner.KindParityUpdate:
		r.report, r.err = d.scrubber.ParityUpdate(ctx, *j.Scrub)
	}
	r.duration = time.Since(start)
	r.outcome = classify(r)
	return r
}

// classify maps an execution record to its outcome. A tool failure wins
// over everything; unrepairable corruption is an error even when other
// files were fixed; repairs alone degrade a pass to a warning.
func classify(r result) string {
	switch {
	case r.err != nil:
		return OutcomeError
	case len(r.report.Unrepairable) > 0:
		return OutcomeError
	case len(r.report.Repaired) > 0:
		return OutcomeWarning
	default:
		return OutcomeGood
	}
}

// reconcile persists state per the timestamp rules, emits metrics and
// one log entry per job, and delivers notifications. Timestamps advance
// on completed passes, including those that found unrepairable
// corruption, but never on a tool failure or a skip.
func (d *Driver) reconcile(ctx context.Context, now time.Time, results []result) {
	for _, r := range results {
		d.logResult(r)

		if r.outcome == OutcomeSkipped {
			obs.SkipCounter.WithLabelValues(r.skipped).Inc()
			d.noteDeferral(ctx, r)
			continue
		}
		delete(d.deferrals, r.job.ID)
		obs.JobCounter.WithLabelValues(string(r.job.Kind), r.outcome).Inc()
		obs.JobDuration.WithLabelValues(string(r.job.Kind)).Observe(r.duration.Seconds())

		rec := state.Record{LastStatus: r.outcome}
		if advances(r) {
			switch r.job.Kind {
			case planner.KindSync:
				rec.LastRunAt = now
			case planner.KindFullScrub:
				rec.LastFullRunAt = now
				rec.LastParityUpdateAt = now
			case planner.KindParityUpdate:
				rec.LastParityUpdateAt = now
			}
			if d.tracker != nil && r.job.Kind != planner.KindSync {
				d.tracker.ClearThrough(r.job.ID, r.gen)
			}
		}
		d.store.Put(r.job.ID, rec)

		if r.outcome != OutcomeGood {
			d.notify(ctx, r)
		}
	}

	if err := d.store.Save(); err != nil {
		obs.Logger.Error().Err(err).Msg("state save failed")
	}
}

// advances reports whether the pass completed well enough to move the
// target's schedule forward. Unrepairable corruption still advances:
// the pass did cover the target. A tool failure does not.
func advances(r result) bool {
	return r.err == nil
}

// noteDeferral counts consecutive lock-contention skips and escalates
// to a warning notification once the configured threshold is reached.
// Mount and memory skips stay silent and reset the streak.
func (d *Driver) noteDeferral(ctx context.Context, r result) {
	if r.skipped != obs.ReasonLock {
		delete(d.deferrals, r.job.ID)
		return
	}
	d.deferrals[r.job.ID]++
	if d.deferrals[r.job.ID] < d.cfg.ContentionWarnTicks {
		return
	}
	d.deferrals[r.job.ID] = 0
	n := notify.Notification{
		Subject: "job deferred by lock contention",
		Job:     r.job.ID + "/" + string(r.job.Kind),
		Status:  notify.StatusWarning,
		Message: fmt.Sprintf("deferred %d consecutive ticks waiting for a path lock", d.cfg.ContentionWarnTicks),
	}
	if err := d.notifier.Send(ctx, n); err != nil {
		obs.Logger.Error().Err(err).Str(obs.FieldTarget, r.job.ID).Msg("notification failed")
	}
}

// notify delivers a warning or error outcome to the alert channels.
func (d *Driver) notify(ctx context.Context, r result) {
	n := notify.Notification{
		Subject: "job " + r.outcome,
		Job:     r.job.ID + "/" + string(r.job.Kind),
		Status:  notify.Status(r.outcome),
		Message: summarize(r),
		Details: details(r),
	}
	if err := d.notifier.Send(ctx, n); err != nil {
		obs.Logger.Error().Err(err).Str(obs.FieldTarget, r.job.ID).Msg("notification failed")
	}
}

func summarize(r result) string {
	if r.err != nil {
		return r.err.Error()
	}
	rep := r.report
	return fmt.Sprintf("created %d, updated %d, verified %d, repaired %d, orphaned %d, unrepairable %d",
		rep.Created, rep.Updated, rep.Verified, len(rep.Repaired), rep.Orphaned, len(rep.Unrepairable))
}

func details(r result) []string {
	var out []string
	for _, f := range r.report.Repaired {
		out = append(out, "repaired: "+f)
	}
	for _, f := range r.report.Unrepairable {
		out = append(out, "unrepairable: "+f)
	}
	return out
}

// logResult writes the single structured entry each job gets per tick.
func (d *Driver) logResult(r result) {
	ev := obs.Logger.Info()
	switch r.outcome {
	case OutcomeError:
		ev = obs.Logger.Error()
	case OutcomeWarning:
		ev = obs.Logger.Warn()
	}
	ev = ev.Str(obs.FieldTarget, r.job.ID).
		Str(obs.FieldKind, string(r.job.Kind)).
		Str(obs.FieldOutcome, r.outcome)
	if r.skipped != "" {
		ev = ev.Str("reason", r.skipped)
	}
	if r.err != nil {
		ev = ev.Err(r.err)
	}
	if r.outcome != OutcomeSkipped {
		ev = ev.Time("start", r.start).Dur("duration", r.duration)
	}
	if r.job.Kind != planner.KindSync && r.outcome != OutcomeSkipped {
		rep := r.report
		ev = ev.Int("created", rep.Created).
			Int("updated", rep.Updated).
			Int("verified", rep.Verified).
			Int("repaired", len(rep.Repaired)).
			Int("orphaned", rep.Orphaned).
			Int("unrepairable", len(rep.Unrepairable))
	}
	ev.Msg("job finished")
}
