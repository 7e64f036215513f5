// Package planner builds the ordered, conflict-free job set for one
// orchestrator tick.
package planner

import (
	"path/filepath"
	"sort"
	"strings"
	"time"

	"parsync/internal/config"
	"parsync/internal/resource"
	"parsync/internal/schedule"
	"parsync/internal/state"
)

// Kind names a job variant.
type Kind string

const (
	KindSync         Kind = "sync"
	KindFullScrub    Kind = "full_scrub"
	KindParityUpdate Kind = "parity_update"
)

// priority orders candidates within a tick; higher runs first.
var priority = map[Kind]int{
	KindSync:         3,
	KindFullScrub:    2,
	KindParityUpdate: 1,
}

// Class returns the resource class for the kind.
func (k Kind) Class() resource.Class {
	if k == KindParityUpdate {
		return resource.Light
	}
	return resource.Heavy
}

// Job is one runnable unit for the current tick. Jobs are ephemeral:
// created each tick, discarded after execution.
type Job struct {
	ID    string
	Kind  Kind
	Sync  *config.SyncTarget
	Scrub *config.ScrubTarget
	// Paths are the normalized absolute paths the job touches.
	Paths []string
	// Stage orders dependent jobs: all jobs of stage n complete before
	// any job of stage n+1 is admitted.
	Stage int

	order int
}

// Planner computes the due job set from configuration and persisted
// state.
type Planner struct {
	cfg   config.Config
	store *state.Store
	// dirty reports whether a scrub target saw filesystem changes since
	// its last parity update. nil means always assume changes.
	dirty func(id string) bool
}

// New returns a planner. dirty may be nil.
func New(cfg config.Config, store *state.Store, dirty func(id string) bool) *Planner {
	return &Planner{cfg: cfg, store: store, dirty: dirty}
}

// Plan builds the tick's jobs: due candidates, sorted by priority then
// configuration order, staged so that a sync whose destination overlaps
// a scrub path completes (or is skipped) before that scrub is admitted.
func (p *Planner) Plan(now time.Time) []Job {
	var jobs []Job
	order := 0

	for i := range p.cfg.Sync {
		t := &p.cfg.Sync[i]
		rec, _ := p.store.Get(t.ID())
		if !schedule.IsDue(t.Frequency, rec.LastRunAt, now) {
			continue
		}
		jobs = append(jobs, Job{
			ID:    t.ID(),
			Kind:  KindSync,
			Sync:  t,
			Paths: []string{filepath.Clean(t.Source), filepath.Clean(t.Destination)},
			order: order,
		})
		order++
	}

	for i := range p.cfg.Scrub {
		t := &p.cfg.Scrub[i]
		rec, _ := p.store.Get(t.ID())
		paths := scrubPaths(t)
		if schedule.IsDue(t.Frequency, rec.LastFullRunAt, now) {
			jobs = append(jobs, Job{
				ID:    t.ID(),
				Kind:  KindFullScrub,
				Scrub: t,
				Paths: paths,
				order: order,
			})
			order++
			// A full scrub covers parity creation; the parity-only
			// pass for the same target is skipped this tick.
			continue
		}
		if p.dirty != nil && !p.dirty(t.ID()) {
			continue
		}
		jobs = append(jobs, Job{
			ID:    t.ID(),
			Kind:  KindParityUpdate,
			Scrub: t,
			Paths: paths,
			order: order,
		})
		order++
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		if priority[jobs[i].Kind] != priority[jobs[j].Kind] {
			return priority[jobs[i].Kind] > priority[jobs[j].Kind]
		}
		return jobs[i].order < jobs[j].order
	})

	stage(jobs)
	return jobs
}

// stage resolves the sync-before-scrub constraint: a directed edge runs
// from every sync job to every scrub job whose paths overlap the sync
// destination. A single topological pass assigns each job the longest
// dependency depth as its stage.
func stage(jobs []Job) {
	for i := range jobs {
		if jobs[i].Kind == KindSync {
			continue
		}
		for j := range jobs {
			if jobs[j].Kind != KindSync {
				continue
			}
			dest := jobs[j].Paths[1]
			for _, p := range jobs[i].Paths {
				if Overlaps(dest, p) && jobs[j].Stage >= jobs[i].Stage {
					jobs[i].Stage = jobs[j].Stage + 1
				}
			}
		}
	}
}

// scrubPaths returns the paths a scrub job touches: the protected
// directory, plus the database when it lives outside it.
func scrubPaths(t *config.ScrubTarget) []string {
	dir := filepath.Clean(t.Directory)
	db := filepath.Clean(t.Database)
	if Overlaps(dir, db) {
		return []string{dir}
	}
	return []string{dir, db}
}

// Overlaps reports whether one path contains the other (or they are
// equal), after cleaning.
func Overlaps(a, b string) bool {
	a = filepath.Clean(a)
	b = filepath.Clean(b)
	sep := string(filepath.Separator)
	return a == b || strings.HasPrefix(a, b+sep) || strings.HasPrefix(b, a+sep)
}
