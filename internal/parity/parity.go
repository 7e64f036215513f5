// Package parity maintains a shadow par2 database mirroring a protected
// directory: parity is created for newly seen or modified files, existing
// files are verified and repaired against it, and entries whose source
// file disappeared are removed.
package parity

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"parsync/internal/config"
	"parsync/internal/execx"
	obs "parsync/internal/observability"
)

const (
	tool      = "par2"
	parExt    = ".par2"
	volMarker = parExt + ".vol"

	modeCreate = "create"
	modeVerify = "verify"
	modeRepair = "repair"

	flagBase = "-B"

	// redundancyMark records the percentage the database was built at.
	// A change forces full regeneration.
	redundancyMark = ".redundancy"

	// mtimeTolerance absorbs filesystem timestamp granularity when
	// comparing a file against its parity.
	mtimeTolerance = time.Second

	createTries       = 3
	createBackoffBase = 2 * time.Second
	createBackoffMax  = 30 * time.Second

	dirPerm  = 0o755
	filePerm = 0o644
)

// Report summarizes one pass over a protected directory.
type Report struct {
	Created  int
	Updated  int
	Verified int
	Orphaned int
	// Repaired lists relative paths reconstructed from parity.
	Repaired []string
	// Unrepairable lists relative paths whose corruption exceeded the
	// redundancy budget.
	Unrepairable []string
}

// Engine drives the external par2 tool.
type Engine struct {
	runner  execx.Runner
	timeout time.Duration

	// backoffBase is the initial create-retry delay, shortened in tests.
	backoffBase time.Duration
}

// New returns an engine running par2 through runner. timeout bounds a
// single tool invocation, zero means no limit beyond ctx.
func New(runner execx.Runner, timeout time.Duration) *Engine {
	return &Engine{runner: runner, timeout: timeout, backoffBase: createBackoffBase}
}

// FullScrub creates missing parity, re-protects modified files, verifies
// and repairs every protected file and removes orphaned entries. Tool
// failures are returned after the pass finishes so one bad file does not
// stop the rest; the report still counts what succeeded.
func (e *Engine) FullScrub(ctx context.Context, t config.ScrubTarget) (Report, error) {
	return e.pass(ctx, t, true)
}

// ParityUpdate only creates or refreshes parity for newly seen or
// modified files. It never verifies previously protected files and never
// removes orphans, to avoid racing a file mid-write.
func (e *Engine) ParityUpdate(ctx context.Context, t config.ScrubTarget) (Report, error) {
	return e.pass(ctx, t, false)
}

func (e *Engine) pass(ctx context.Context, t config.ScrubTarget, verify bool) (Report, error) {
	var rep Report
	if err := os.MkdirAll(t.Database, dirPerm); err != nil {
		return rep, err
	}

	regen, err := e.redundancyChanged(t)
	if err != nil {
		return rep, err
	}
	if regen {
		obs.Logger.Info().
			Str(obs.FieldTarget, t.ID()).
			Int("redundancy", t.Redundancy).
			Msg("redundancy changed, regenerating parity database")
	}

	seen := make(map[string]struct{})
	var firstErr error

	walkErr := filepath.WalkDir(t.Directory, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if within(p, t.Database) {
				return filepath.SkipDir
			}
			return nil
		}
		if within(p, t.Database) {
			return nil
		}
		rel, err := filepath.Rel(t.Directory, p)
		if err != nil {
			return err
		}
		seen[rel] = struct{}{}

		base := filepath.Join(t.Database, rel+parExt)
		fresh, update, err := e.needsParity(p, base, regen)
		if err != nil {
			return err
		}
		if fresh || update {
			if err := e.create(ctx, t, rel, base, update); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			if update {
				rep.Updated++
			} else {
				rep.Created++
				obs.ParityFiles.WithLabelValues(obs.ActionCreated).Inc()
			}
		}
		if verify {
			// A file whose create just failed has no parity to check.
			if _, err := os.Stat(base); err != nil {
				return nil
			}
			ok, repaired, err := e.verifyRepair(ctx, t, rel, base)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			switch {
			case ok:
				rep.Verified++
				obs.ParityFiles.WithLabelValues(obs.ActionVerified).Inc()
			case repaired:
				rep.Repaired = append(rep.Repaired, rel)
				obs.ParityFiles.WithLabelValues(obs.ActionRepaired).Inc()
			default:
				rep.Unrepairable = append(rep.Unrepairable, rel)
			}
		}
		return nil
	})
	if walkErr != nil {
		return rep, walkErr
	}

	if verify {
		orphans, err := e.cleanupOrphans(t, seen)
		rep.Orphaned = orphans
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr == nil {
		if err := e.writeRedundancyMark(t); err != nil {
			firstErr = err
		}
	}
	return rep, firstErr
}

// needsParity decides whether rel must be (re)protected. fresh means no
// parity exists yet, update means the source changed since parity was
// written.
func (e *Engine) needsParity(path, base string, regen bool) (fresh, update bool, err error) {
	pst, err := os.Stat(base)
	if err != nil {
		if os.IsNotExist(err) {
			return true, false, nil
		}
		return false, false, err
	}
	if regen {
		return false, true, nil
	}
	fst, err := os.Stat(path)
	if err != nil {
		return false, false, err
	}
	if fst.ModTime().After(pst.ModTime().Add(mtimeTolerance)) {
		return false, true, nil
	}
	return false, false, nil
}

// create invokes par2 create for rel, retrying with exponential backoff
// and removing partial parity files between attempts.
func (e *Engine) create(ctx context.Context, t config.ScrubTarget, rel, base string, replace bool) error {
	if replace {
		if err := removeParityFiles(base); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(base), dirPerm); err != nil {
		return err
	}
	obs.Logger.Debug().
		Str(obs.FieldTarget, t.ID()).
		Str(obs.FieldPath, rel).
		Msg("creating parity")

	op := func() (struct{}, error) {
		res, err := e.runner.Run(ctx, execx.Spec{
			Name:    tool,
			Args:    []string{modeCreate, flagBase, t.Directory, "-r" + strconv.Itoa(t.Redundancy), "-n1", base, rel},
			Dir:     t.Directory,
			Timeout: e.timeout,
		})
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if res.ExitCode != 0 {
			_ = removeParityFiles(base)
			return struct{}{}, &execx.ToolError{Name: tool, ExitCode: res.ExitCode, Stderr: res.Stdout + res.Stderr}
		}
		return struct{}{}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.backoffBase
	bo.MaxInterval = createBackoffMax
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(createTries))
	return err
}

// verifyRepair checks rel against its parity. ok means the file checked
// out, repaired means it was corrupted within the redundancy budget and
// rewritten in place. Neither ok nor repaired means unrepairable
// corruption. The error return covers failures to run the tool at all.
func (e *Engine) verifyRepair(ctx context.Context, t config.ScrubTarget, rel, base string) (ok, repaired bool, err error) {
	res, err := e.runner.Run(ctx, execx.Spec{
		Name:    tool,
		Args:    []string{modeVerify, flagBase, t.Directory, base},
		Dir:     t.Directory,
		Timeout: e.timeout,
	})
	if err != nil {
		return false, false, err
	}
	if res.ExitCode == 0 {
		return true, false, nil
	}

	obs.Logger.Warn().
		Str(obs.FieldTarget, t.ID()).
		Str(obs.FieldPath, rel).
		Msg("verification failed, attempting repair")

	res, err = e.runner.Run(ctx, execx.Spec{
		Name:    tool,
		Args:    []string{modeRepair, flagBase, t.Directory, base},
		Dir:     t.Directory,
		Timeout: e.timeout,
	})
	if err != nil {
		return false, false, err
	}
	if res.ExitCode == 0 {
		return false, true, nil
	}
	return false, false, nil
}

// cleanupOrphans removes parity entries whose source file no longer
// exists. It runs only on full passes.
func (e *Engine) cleanupOrphans(t config.ScrubTarget, seen map[string]struct{}) (int, error) {
	checked := make(map[string]struct{})
	orphans := 0
	err := filepath.WalkDir(t.Database, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, parExt) {
			return err
		}
		base := baseFromParityFile(p)
		if _, done := checked[base]; done {
			return nil
		}
		checked[base] = struct{}{}
		relBase, err := filepath.Rel(t.Database, base)
		if err != nil {
			return nil
		}
		rel := strings.TrimSuffix(relBase, parExt)
		if _, exists := seen[rel]; exists {
			return nil
		}
		obs.Logger.Info().
			Str(obs.FieldTarget, t.ID()).
			Str(obs.FieldPath, rel).
			Msg("removing orphaned parity")
		if err := removeParityFiles(base); err != nil {
			return err
		}
		orphans++
		obs.ParityFiles.WithLabelValues(obs.ActionOrphaned).Inc()
		return nil
	})
	return orphans, err
}

// redundancyChanged reports whether the database was built at a
// different redundancy percentage than configured.
func (e *Engine) redundancyChanged(t config.ScrubTarget) (bool, error) {
	b, err := os.ReadFile(filepath.Join(t.Database, redundancyMark))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	prev, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return true, nil
	}
	return prev != t.Redundancy, nil
}

func (e *Engine) writeRedundancyMark(t config.ScrubTarget) error {
	p := filepath.Join(t.Database, redundancyMark)
	return os.WriteFile(p, []byte(strconv.Itoa(t.Redundancy)+"\n"), filePerm)
}

// baseFromParityFile maps any parity volume file back to its base
// <rel>.par2 path.
func baseFromParityFile(p string) string {
	if i := strings.Index(p, volMarker); i >= 0 {
		return p[:i] + parExt
	}
	return p
}

// removeParityFiles deletes the base parity file and all its volumes.
func removeParityFiles(base string) error {
	dir := filepath.Dir(base)
	prefix := filepath.Base(base)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, ent := range entries {
		if !strings.HasPrefix(ent.Name(), prefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, ent.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// within reports whether p equals root or lies underneath it.
func within(p, root string) bool {
	p = filepath.Clean(p)
	root = filepath.Clean(root)
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}
