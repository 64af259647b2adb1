package tinfo

import "sync"

import "defs"

/// MaxCPUs bounds the per-CPU "current thread" slots. The target
/// machines carry at most 8 logical CPUs.
const MaxCPUs = 8

var curNote [MaxCPUs]*Tnote_t

/// CPUID reports the logical CPU the caller is running on. The boot
/// entrypoint overrides this with a read of the LAPIC ID once SMP bring-up
/// completes; tests override it to exercise a chosen slot.
var CPUID = func() int { return 0 }

/// Tnote_t stores per-thread state used by the runtime.
type Tnote_t struct {
	// XXX "alive" should be "terminated"
	State    interface{}
	Alive    bool
	Killed   bool
	Isdoomed bool // XXX maybe don't need doomed, but can use killed?
	// protects killed, Killnaps.Cond and Kerr, and is a leaf lock
	sync.Mutex
	Killnaps struct {
		Killch chan bool
		Cond   *sync.Cond
		Kerr   defs.Err_t
	}
}

/// Doomed reports whether the thread is marked as doomed.
func (t *Tnote_t) Doomed() bool {
	return t.Isdoomed
}

/// Threadinfo_t tracks all thread notes.
type Threadinfo_t struct {
	Notes map[defs.Tid_t]*Tnote_t
	sync.Mutex
}

/// Init initializes the thread info map.
func (t *Threadinfo_t) Init() {
	t.Notes = make(map[defs.Tid_t]*Tnote_t)
}

/// Current returns the thread note of whatever thread is running on this
/// CPU right now.
func Current() *Tnote_t {
	n := curNote[CPUID()]
	if n == nil {
		panic("nuts")
	}
	return n
}

/// SetCurrent installs p as the current thread note for this CPU.
func SetCurrent(p *Tnote_t) {
	if p == nil {
		panic("nuts")
	}
	id := CPUID()
	if curNote[id] != nil {
		panic("nuts")
	}
	curNote[id] = p
}

/// ClearCurrent removes the current thread note for this CPU.
func ClearCurrent() {
	id := CPUID()
	if curNote[id] == nil {
		panic("nuts")
	}
	curNote[id] = nil
}
