package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"parsync/internal/config"
)

const pollDeadline = 5 * time.Second

func newTracker(t *testing.T, dir string) (*Tracker, string) {
	t.Helper()
	tg := config.ScrubTarget{
		Directory: dir,
		Database:  filepath.Join(dir, ".pardatabase"),
	}
	tr, err := New([]config.ScrubTarget{tg})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tr.Run(ctx)
	return tr, tg.ID()
}

func waitDirty(t *testing.T, tr *Tracker, id string) {
	t.Helper()
	deadline := time.Now().Add(pollDeadline)
	for time.Now().Before(deadline) {
		if tr.Dirty(id) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("target never became dirty")
}

func TestStartsDirty(t *testing.T) {
	tr, id := newTracker(t, t.TempDir())
	if !tr.Dirty(id) {
		t.Error("fresh target should be dirty")
	}
	tr.ClearThrough(id, tr.Generation(id))
	if tr.Dirty(id) {
		t.Error("cleared target should be clean")
	}
}

func TestUnknownIDIsDirty(t *testing.T) {
	tr, _ := newTracker(t, t.TempDir())
	if !tr.Dirty("scrub-ffffffff") {
		t.Error("unknown target should be treated as dirty")
	}
}

func TestWriteMarksDirty(t *testing.T) {
	dir := t.TempDir()
	tr, id := newTracker(t, dir)
	tr.ClearThrough(id, tr.Generation(id))

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitDirty(t, tr, id)
}

func TestNewSubdirectoryIsWatched(t *testing.T) {
	dir := t.TempDir()
	tr, id := newTracker(t, dir)

	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	waitDirty(t, tr, id)
	// Give the tracker a moment to register the new directory, then
	// verify writes inside it are seen.
	time.Sleep(100 * time.Millisecond)
	tr.ClearThrough(id, tr.Generation(id))

	if err := os.WriteFile(filepath.Join(sub, "b.txt"), []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitDirty(t, tr, id)
}

func TestChangesAfterCaptureStayDirty(t *testing.T) {
	dir := t.TempDir()
	tr, id := newTracker(t, dir)

	// A pass captures the generation, then the directory changes while
	// it runs.
	gen := tr.Generation(id)
	if err := os.WriteFile(filepath.Join(dir, "late.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(pollDeadline)
	for tr.Generation(id) == gen {
		if time.Now().After(deadline) {
			t.Fatal("event never observed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	tr.ClearThrough(id, gen)
	if !tr.Dirty(id) {
		t.Error("changes after capture must keep the target dirty")
	}
	tr.ClearThrough(id, tr.Generation(id))
	if tr.Dirty(id) {
		t.Error("clearing the current generation should leave the target clean")
	}
}

func TestDatabaseChangesIgnored(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, ".pardatabase")
	if err := os.Mkdir(db, 0o755); err != nil {
		t.Fatal(err)
	}
	tr, id := newTracker(t, dir)
	tr.ClearThrough(id, tr.Generation(id))

	if err := os.WriteFile(filepath.Join(db, "a.txt.par2"), []byte("p"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if tr.Dirty(id) {
		t.Error("database writes should not mark the target dirty")
	}
}
