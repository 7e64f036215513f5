package parity

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"parsync/internal/config"
	"parsync/internal/execx"
)

const (
	dbName     = ".pardatabase"
	redundancy = 5
	fileA      = "a.txt"
	fileB      = "sub/b.txt"
	contentA   = "the quick brown fox jumps over the lazy dog"
	contentB   = "pack my box with five dozen liquor jugs"
)

// fakePar2 simulates the par2 tool over the real filesystem: create
// snapshots the protected file into the parity base, verify compares,
// and repair restores the snapshot when the corrupted extent fits the
// recorded redundancy budget.
type fakePar2 struct {
	failCreates int
	creates     int
	verifies    int
	repairs     int
}

type parityBlob struct {
	Rel        string `json:"rel"`
	Redundancy int    `json:"redundancy"`
	Content    []byte `json:"content"`
}

func (f *fakePar2) Run(_ context.Context, spec execx.Spec) (execx.Result, error) {
	mode := spec.Args[0]
	dir := spec.Args[2]
	switch mode {
	case modeCreate:
		f.creates++
		if f.failCreates > 0 {
			f.failCreates--
			return execx.Result{ExitCode: 1, Stderr: "create failed"}, nil
		}
		r, _ := strconv.Atoi(strings.TrimPrefix(spec.Args[3], "-r"))
		base, rel := spec.Args[5], spec.Args[6]
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			return execx.Result{ExitCode: 1, Stderr: err.Error()}, nil
		}
		blob, _ := json.Marshal(parityBlob{Rel: rel, Redundancy: r, Content: data})
		if err := os.WriteFile(base, blob, 0o644); err != nil {
			return execx.Result{ExitCode: 1, Stderr: err.Error()}, nil
		}
		vol := strings.TrimSuffix(base, parExt) + volMarker + "000+01" + parExt
		if err := os.WriteFile(vol, blob, 0o644); err != nil {
			return execx.Result{ExitCode: 1, Stderr: err.Error()}, nil
		}
		return execx.Result{}, nil
	case modeVerify:
		f.verifies++
		blob, cur, err := f.load(dir, spec.Args[3])
		if err != nil {
			return execx.Result{ExitCode: 1, Stderr: err.Error()}, nil
		}
		if string(cur) != string(blob.Content) {
			return execx.Result{ExitCode: 1, Stdout: "damage detected"}, nil
		}
		return execx.Result{}, nil
	case modeRepair:
		f.repairs++
		blob, cur, err := f.load(dir, spec.Args[3])
		if err != nil {
			return execx.Result{ExitCode: 1, Stderr: err.Error()}, nil
		}
		if corruptedFraction(blob.Content, cur)*100 > float64(blob.Redundancy) {
			return execx.Result{ExitCode: 1, Stdout: "repair is not possible"}, nil
		}
		if err := os.WriteFile(filepath.Join(dir, blob.Rel), blob.Content, 0o644); err != nil {
			return execx.Result{ExitCode: 1, Stderr: err.Error()}, nil
		}
		return execx.Result{}, nil
	}
	return execx.Result{ExitCode: 2, Stderr: "unknown mode"}, nil
}

func (f *fakePar2) load(dir, base string) (parityBlob, []byte, error) {
	var blob parityBlob
	b, err := os.ReadFile(base)
	if err != nil {
		return blob, nil, err
	}
	if err := json.Unmarshal(b, &blob); err != nil {
		return blob, nil, err
	}
	cur, err := os.ReadFile(filepath.Join(dir, blob.Rel))
	if err != nil {
		return blob, nil, err
	}
	return blob, cur, nil
}

func corruptedFraction(orig, cur []byte) float64 {
	n := len(orig)
	if len(cur) > n {
		n = len(cur)
	}
	if n == 0 {
		return 0
	}
	diff := 0
	for i := 0; i < n; i++ {
		var a, b byte
		if i < len(orig) {
			a = orig[i]
		}
		if i < len(cur) {
			b = cur[i]
		}
		if a != b {
			diff++
		}
	}
	return float64(diff) / float64(n)
}

func testTarget(t *testing.T) (config.ScrubTarget, string) {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, fileA, contentA)
	writeFile(t, dir, fileB, contentB)
	return config.ScrubTarget{
		Directory:  dir,
		Database:   filepath.Join(dir, dbName),
		Redundancy: redundancy,
		Frequency:  "weekly",
	}, dir
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newTestEngine(f *fakePar2) *Engine {
	e := New(f, 0)
	e.backoffBase = time.Millisecond
	return e
}

func TestFirstRunCreatesAll(t *testing.T) {
	target, _ := testTarget(t)
	f := &fakePar2{}
	rep, err := newTestEngine(f).FullScrub(context.Background(), target)
	if err != nil {
		t.Fatalf("scrub: %v", err)
	}
	if rep.Created != 2 || rep.Verified != 2 || len(rep.Repaired) != 0 || rep.Orphaned != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if _, err := os.Stat(filepath.Join(target.Database, fileA+parExt)); err != nil {
		t.Fatalf("parity base missing: %v", err)
	}
}

func TestDatabaseExcluded(t *testing.T) {
	target, _ := testTarget(t)
	f := &fakePar2{}
	e := newTestEngine(f)
	if _, err := e.FullScrub(context.Background(), target); err != nil {
		t.Fatalf("scrub: %v", err)
	}
	// Second pass must not protect the parity files themselves.
	rep, err := e.FullScrub(context.Background(), target)
	if err != nil {
		t.Fatalf("second scrub: %v", err)
	}
	if rep.Created != 0 {
		t.Fatalf("parity database recursed into itself: %+v", rep)
	}
	if _, err := os.Stat(filepath.Join(target.Database, dbName)); err == nil {
		t.Fatalf("nested database entry created")
	}
}

func TestParityUpdateIdempotent(t *testing.T) {
	target, _ := testTarget(t)
	f := &fakePar2{}
	e := newTestEngine(f)
	rep, err := e.ParityUpdate(context.Background(), target)
	if err != nil || rep.Created != 2 {
		t.Fatalf("first update: %+v %v", rep, err)
	}
	rep, err = e.ParityUpdate(context.Background(), target)
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if rep.Created != 0 || rep.Updated != 0 || len(rep.Repaired) != 0 {
		t.Fatalf("second update not idempotent: %+v", rep)
	}
	if f.verifies != 0 {
		t.Fatalf("parity-only update must not verify")
	}
}

func TestRepairRoundTrip(t *testing.T) {
	target, dir := testTarget(t)
	f := &fakePar2{}
	e := newTestEngine(f)
	if _, err := e.FullScrub(context.Background(), target); err != nil {
		t.Fatalf("initial scrub: %v", err)
	}

	// Flip one byte, well within the redundancy budget, without
	// touching mtime enough to trigger re-protection.
	p := filepath.Join(dir, fileA)
	st, _ := os.Stat(p)
	corrupted := []byte(contentA)
	corrupted[0] ^= 0xff
	if err := os.WriteFile(p, corrupted, 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if err := os.Chtimes(p, st.ModTime(), st.ModTime()); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	rep, err := e.FullScrub(context.Background(), target)
	if err != nil {
		t.Fatalf("repair scrub: %v", err)
	}
	if len(rep.Repaired) != 1 || len(rep.Unrepairable) != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	got, _ := os.ReadFile(p)
	if string(got) != contentA {
		t.Fatalf("file not byte-identical after repair: %q", got)
	}
}

func TestUnrepairableCorruption(t *testing.T) {
	target, dir := testTarget(t)
	f := &fakePar2{}
	e := newTestEngine(f)
	if _, err := e.FullScrub(context.Background(), target); err != nil {
		t.Fatalf("initial scrub: %v", err)
	}

	p := filepath.Join(dir, fileA)
	st, _ := os.Stat(p)
	garbage := make([]byte, len(contentA))
	if err := os.WriteFile(p, garbage, 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if err := os.Chtimes(p, st.ModTime(), st.ModTime()); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	rep, err := e.FullScrub(context.Background(), target)
	if err != nil {
		t.Fatalf("scrub: %v", err)
	}
	if len(rep.Unrepairable) != 1 || rep.Unrepairable[0] != fileA {
		t.Fatalf("unrepairable not reported: %+v", rep)
	}
}

func TestOrphanCleanup(t *testing.T) {
	target, dir := testTarget(t)
	f := &fakePar2{}
	e := newTestEngine(f)
	if _, err := e.FullScrub(context.Background(), target); err != nil {
		t.Fatalf("initial scrub: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, fileA)); err != nil {
		t.Fatalf("remove: %v", err)
	}

	rep, err := e.FullScrub(context.Background(), target)
	if err != nil {
		t.Fatalf("scrub: %v", err)
	}
	if rep.Orphaned != 1 {
		t.Fatalf("orphan not removed: %+v", rep)
	}
	if _, err := os.Stat(filepath.Join(target.Database, fileA+parExt)); !os.IsNotExist(err) {
		t.Fatalf("parity files left behind: %v", err)
	}

	rep, err = e.FullScrub(context.Background(), target)
	if err != nil {
		t.Fatalf("third scrub: %v", err)
	}
	if rep.Orphaned != 0 {
		t.Fatalf("orphan reported twice: %+v", rep)
	}
}

func TestOrphanKeptDuringParityUpdate(t *testing.T) {
	target, dir := testTarget(t)
	f := &fakePar2{}
	e := newTestEngine(f)
	if _, err := e.FullScrub(context.Background(), target); err != nil {
		t.Fatalf("initial scrub: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, fileA)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	rep, err := e.ParityUpdate(context.Background(), target)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rep.Orphaned != 0 {
		t.Fatalf("parity-only update must not clean orphans: %+v", rep)
	}
	if _, err := os.Stat(filepath.Join(target.Database, fileA+parExt)); err != nil {
		t.Fatalf("parity removed by parity-only update: %v", err)
	}
}

func TestModifiedFileReprotected(t *testing.T) {
	target, dir := testTarget(t)
	f := &fakePar2{}
	e := newTestEngine(f)
	if _, err := e.ParityUpdate(context.Background(), target); err != nil {
		t.Fatalf("initial update: %v", err)
	}

	p := filepath.Join(dir, fileA)
	if err := os.WriteFile(p, []byte(contentB), 0o644); err != nil {
		t.Fatalf("modify: %v", err)
	}
	future := time.Now().Add(10 * time.Second)
	if err := os.Chtimes(p, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	rep, err := e.ParityUpdate(context.Background(), target)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rep.Updated != 1 || rep.Created != 0 {
		t.Fatalf("modified file not re-protected: %+v", rep)
	}
}

func TestCreateFailureReported(t *testing.T) {
	target, _ := testTarget(t)
	f := &fakePar2{failCreates: 100}
	rep, err := newTestEngine(f).FullScrub(context.Background(), target)
	if err == nil {
		t.Fatalf("expected tool failure to surface")
	}
	if rep.Created != 0 {
		t.Fatalf("failed creates counted: %+v", rep)
	}
}

func TestCreateRetriesThenSucceeds(t *testing.T) {
	target, _ := testTarget(t)
	f := &fakePar2{failCreates: 1}
	rep, err := newTestEngine(f).ParityUpdate(context.Background(), target)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rep.Created != 2 {
		t.Fatalf("retry did not recover: %+v", rep)
	}
	if f.creates != 3 {
		t.Fatalf("expected 3 create invocations, got %d", f.creates)
	}
}

func TestRedundancyChangeRegenerates(t *testing.T) {
	target, _ := testTarget(t)
	f := &fakePar2{}
	e := newTestEngine(f)
	if _, err := e.FullScrub(context.Background(), target); err != nil {
		t.Fatalf("initial scrub: %v", err)
	}

	target.Redundancy = 10
	rep, err := e.FullScrub(context.Background(), target)
	if err != nil {
		t.Fatalf("regen scrub: %v", err)
	}
	if rep.Updated != 2 {
		t.Fatalf("redundancy change did not regenerate: %+v", rep)
	}

	b, err := os.ReadFile(filepath.Join(target.Database, redundancyMark))
	if err != nil || strings.TrimSpace(string(b)) != "10" {
		t.Fatalf("redundancy mark not rewritten: %q %v", b, err)
	}
}
