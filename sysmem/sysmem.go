// Package sysmem reports how much memory the process uses and how much the
// machine has left.
package sysmem

import (
	"runtime"
	"sync/atomic"

	"github.com/pbnjay/memory"
)

// Probe is the memory collaborator the collector consumes.
type Probe interface {
	// Used is the memory the process has obtained from the OS, in bytes.
	Used() uint64
	// Available is the memory the machine could still hand out, in bytes.
	Available() uint64
}

// SystemProbe reads the Go runtime for process usage and the OS for free
// memory.
type SystemProbe struct{}

func (SystemProbe) Used() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	// Released pages are still counted in Sys but no longer resident.
	return ms.Sys - ms.HeapReleased
}

func (SystemProbe) Available() uint64 {
	if free := memory.FreeMemory(); free > 0 {
		return free
	}
	// FreeMemory is not implemented everywhere; fall back to a fraction
	// of the total.
	return memory.TotalMemory() / 2
}

// Ceiling computes the most memory the process may use: a fixed cap when
// one is configured, else what the process already has plus what the
// machine has free, minus a safety margin.
func Ceiling(p Probe, fixedCap, margin uint64) uint64 {
	if fixedCap > 0 {
		return fixedCap
	}
	used := p.Used()
	total := used + p.Available()
	if total <= margin {
		return used
	}
	return max(total-margin, used)
}

// FakeProbe reports whatever it is told. Tests use it to simulate memory
// pressure.
type FakeProbe struct {
	used      atomic.Uint64
	available atomic.Uint64
}

func NewFakeProbe(used, available uint64) *FakeProbe {
	f := &FakeProbe{}
	f.Set(used, available)
	return f
}

func (f *FakeProbe) Set(used, available uint64) {
	f.used.Store(used)
	f.available.Store(available)
}

func (f *FakeProbe) Used() uint64 { return f.used.Load() }
func (f *FakeProbe) Available() uint64 { return f.available.Load() }
