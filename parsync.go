// Package parsync assembles the storage maintenance orchestrator:
// scheduled directory mirroring and par2 parity scrubbing with mount,
// memory and lock admission gates.
package parsync

import (
	"context"

	"parsync/internal/config"
	"parsync/internal/driver"
	"parsync/internal/execx"
	"parsync/internal/locker"
	"parsync/internal/mounts"
	"parsync/internal/notify"
	"parsync/internal/parity"
	"parsync/internal/planner"
	"parsync/internal/resource"
	"parsync/internal/state"
	"parsync/internal/transfer"
	"parsync/internal/watch"
)

// Orchestrator owns the scheduling loop and all supporting services.
type Orchestrator struct {
	cfg     config.Config
	store   *state.Store
	tracker *watch.Tracker
	driver  *driver.Driver
}

// New wires an orchestrator from configuration. The state file is loaded
// (or started empty) and filesystem watches are established for every
// scrub target.
func New(cfg config.Config) (*Orchestrator, error) {
	store, err := state.Open(cfg.StateFile)
	if err != nil {
		return nil, err
	}
	tracker, err := watch.New(cfg.Scrub)
	if err != nil {
		return nil, err
	}

	runner := execx.Local{}
	drv := driver.New(
		cfg,
		planner.New(cfg, store, tracker.Dirty),
		store,
		mounts.New(cfg.MountRoot, nil),
		resource.New(cfg.MemoryWarningMB, cfg.MemoryCriticalMB, nil),
		locker.New(cfg.LockDir),
		transfer.New(runner, 0),
		parity.New(runner, 0),
		notify.New(cfg.Notify, runner),
		tracker,
	)

	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		tracker: tracker,
		driver:  drv,
	}, nil
}

// Run starts the change tracker and ticks until ctx is done. In-flight
// jobs drain before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	go o.tracker.Run(ctx)
	return o.driver.Run(ctx)
}

// Tick executes a single scheduling cycle.
func (o *Orchestrator) Tick(ctx context.Context) {
	o.driver.Tick(ctx)
}

// Close releases the filesystem watches.
func (o *Orchestrator) Close() error {
	return o.tracker.Close()
}
