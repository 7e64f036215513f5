// Package resource admits or defers job classes based on available
// system memory.
package resource

import (
	"github.com/shirou/gopsutil/v4/mem"
)

// Class groups jobs by resource cost.
type Class int

const (
	// Light jobs (parity-only updates) stay admitted until memory
	// pressure turns critical.
	Light Class = iota
	// Heavy jobs (sync, full scrub) are deferred as soon as available
	// memory drops below the warning threshold.
	Heavy
)

// Level describes the current memory pressure.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

const bytesPerMB = 1 << 20

// Gate decides admission from sampled available memory.
type Gate struct {
	warnBytes uint64
	critBytes uint64
	available func() (uint64, error)
}

// New returns a gate with the given thresholds in MB. available may be
// nil, in which case system memory is sampled on each call.
func New(warnMB, critMB int, available func() (uint64, error)) *Gate {
	if available == nil {
		available = systemAvailable
	}
	return &Gate{
		warnBytes: uint64(warnMB) * bytesPerMB,
		critBytes: uint64(critMB) * bytesPerMB,
		available: available,
	}
}

func systemAvailable() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// Pressure returns the current memory pressure level. A sampling
// failure counts as no memory available.
func (g *Gate) Pressure() Level {
	avail, err := g.available()
	if err != nil {
		avail = 0
	}
	switch {
	case avail < g.critBytes:
		return LevelCritical
	case avail < g.warnBytes:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// Admit reports whether a job of class c may run right now. Denied jobs
// are deferred to a later tick, never failed.
func (g *Gate) Admit(c Class) bool {
	switch g.Pressure() {
	case LevelCritical:
		return false
	case LevelWarning:
		return c == Light
	default:
		return true
	}
}
