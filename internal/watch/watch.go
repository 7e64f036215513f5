// Package watch tracks filesystem changes under protected directories
// so unchanged targets can skip their parity update pass.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"parsync/internal/config"
	obs "parsync/internal/observability"
)

type target struct {
	id  string
	dir string
	db  string
}

// Tracker watches scrub directories recursively and records which
// targets changed since their dirty flag was last cleared. Changes are
// counted per target as a generation, so a pass that ran while new
// events arrived clears only what it actually observed.
type Tracker struct {
	watcher *fsnotify.Watcher
	targets []target

	mu      sync.Mutex
	gens    map[string]uint64
	cleared map[string]uint64
}

// New builds a tracker for the given scrub targets. Every target starts
// dirty, so a fresh process always runs its first parity update. Missing
// directories are tolerated; they are picked up once they appear on a
// later pass.
func New(scrubs []config.ScrubTarget) (*Tracker, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	t := &Tracker{
		watcher: w,
		gens:    make(map[string]uint64),
		cleared: make(map[string]uint64),
	}
	for _, s := range scrubs {
		tg := target{id: s.ID(), dir: filepath.Clean(s.Directory), db: filepath.Clean(s.Database)}
		t.targets = append(t.targets, tg)
		t.gens[tg.id] = 1
		t.addTree(tg)
	}
	return t, nil
}

// addTree registers the target directory and all subdirectories,
// skipping the parity database subtree.
func (t *Tracker) addTree(tg target) {
	filepath.WalkDir(tg.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if under(path, tg.db) {
			return filepath.SkipDir
		}
		if err := t.watcher.Add(path); err != nil {
			obs.Logger.Warn().Err(err).Str(obs.FieldPath, path).Msg("watch add failed")
		}
		return nil
	})
}

// Run consumes watcher events until ctx is done. It marks the owning
// target dirty for every event outside its database subtree and starts
// watching directories as they are created.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handle(ev)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			obs.Logger.Warn().Err(err).Msg("watch error")
		}
	}
}

func (t *Tracker) handle(ev fsnotify.Event) {
	for _, tg := range t.targets {
		if !under(ev.Name, tg.dir) || under(ev.Name, tg.db) {
			continue
		}
		t.mu.Lock()
		t.gens[tg.id]++
		t.mu.Unlock()
		if ev.Op.Has(fsnotify.Create) {
			// New subdirectories need their own watch.
			if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
				t.addTree(target{id: tg.id, dir: ev.Name, db: tg.db})
			}
		}
	}
}

// Dirty reports whether the target saw changes that no pass has covered
// yet. Unknown ids are treated as dirty.
func (t *Tracker) Dirty(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.gens[id]
	return !ok || g > t.cleared[id]
}

// Generation returns the target's current change generation. A pass
// captures it before reading the directory and hands it back to
// ClearThrough once done.
func (t *Tracker) Generation(id string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gens[id]
}

// ClearThrough marks changes up to gen as covered. Events that arrived
// after gen was captured keep the target dirty.
func (t *Tracker) ClearThrough(id string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen > t.cleared[id] {
		t.cleared[id] = gen
	}
}

// Close releases the underlying watcher.
func (t *Tracker) Close() error {
	return t.watcher.Close()
}

func under(path, root string) bool {
	path = filepath.Clean(path)
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}
