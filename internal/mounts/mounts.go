// Package mounts answers whether configured paths are currently backed
// by a live mount. Absence of a mount is a reportable condition, never
// an error.
package mounts

import (
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
)

// Table is a snapshot of the live mount table.
type Table struct {
	points map[string]struct{}
}

// NewTable builds a table from explicit mount points.
func NewTable(points []string) Table {
	m := make(map[string]struct{}, len(points))
	for _, p := range points {
		m[filepath.Clean(p)] = struct{}{}
	}
	return Table{points: m}
}

// Snapshot reads the live mount table.
func Snapshot() (Table, error) {
	parts, err := disk.Partitions(true)
	if err != nil {
		return Table{}, err
	}
	points := make([]string, 0, len(parts))
	for _, p := range parts {
		points = append(points, p.Mountpoint)
	}
	return NewTable(points), nil
}

// Covers reports whether path is a mount point or lies under one. The
// root filesystem does not count: a path is covered only by a mount
// below /.
func (t Table) Covers(path string) bool {
	path = filepath.Clean(path)
	for path != "" && path != "/" {
		if _, ok := t.points[path]; ok {
			return true
		}
		parent := filepath.Dir(path)
		if parent == path {
			return false
		}
		path = parent
	}
	return false
}

// Validator checks configured paths against the mount table. Paths not
// rooted under the mount root are ordinary local paths and always pass.
type Validator struct {
	root     string
	snapshot func() (Table, error)
}

// New returns a validator treating paths under root (e.g. /mnt) as
// requiring a live mount. snapshot may be nil, in which case the live
// mount table is read on each call.
func New(root string, snapshot func() (Table, error)) *Validator {
	if snapshot == nil {
		snapshot = Snapshot
	}
	return &Validator{root: filepath.Clean(root), snapshot: snapshot}
}

// Validate takes one snapshot of the mount table and returns the subset
// of paths that require a mount but have none. The snapshot is never
// cached across calls.
func (v *Validator) Validate(paths []string) ([]string, error) {
	table, err := v.snapshot()
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, p := range paths {
		if !v.requiresMount(p) {
			continue
		}
		if !table.Covers(p) {
			missing = append(missing, p)
		}
	}
	return missing, nil
}

func (v *Validator) requiresMount(path string) bool {
	path = filepath.Clean(path)
	return path == v.root || strings.HasPrefix(path, v.root+string(filepath.Separator))
}
