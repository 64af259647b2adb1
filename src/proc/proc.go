// Package proc implements process and thread lifecycle and the per-CPU
// CFS-style run queues: thread creation with an initial switchable stack
// frame, FIFO scheduling with vruntime tracked for a future ordered run
// queue, and the context-switch handoff protocol.
package proc

import (
	"sync"
	"unsafe"

	"accnt"
	"cpu"
	"defs"
	"mem"
	"tinfo"
	"vm"
)

/// MaxCPUs bounds the run-queue array; reuses cpu.MaxCPUs rather than
/// redeclaring the laptop-class 8-logical-CPU ceiling.
const MaxCPUs = cpu.MaxCPUs

/// NICE_0_LOAD is the CFS fairness weight every thread is given in this
/// implementation, which collapses vruntime to wall time since every
/// task shares the same weight.
const NICE_0_LOAD = 1024

/// ThreadState_t names where a thread sits in its lifecycle.
type ThreadState_t int

const (
	RUNNING ThreadState_t = iota
	SLEEPING
	BLOCKED
)

const kstackPages = 4

/// Thread_t is a schedulable unit of execution. Prev/next form the
/// intrusive run-queue list; a thread is on at most one run queue, and
/// the field is zeroed while it is current on a CPU (not enqueued
/// anywhere).
type Thread_t struct {
	Tid      defs.Tid_t
	State    ThreadState_t
	Prio     int
	Vruntime int64
	SP       uintptr /// saved stack pointer, valid only while not current
	KStack   uintptr /// top of the 4-page kernel stack, direct-mapped
	Proc     *Process_t
	Accnt    accnt.Accnt_t
	Note     tinfo.Tnote_t

	schedInNs  int /// timestamp Accnt last started accruing user time for this thread
	prev, next *Thread_t
}

// acctClock exists only to call accnt.Accnt_t.Now(), which reads no
// receiver state; Schedule uses it to timestamp context switches for
// per-thread accounting.
var acctClock accnt.Accnt_t

/// Process_t groups an address space with its (currently singular) main
/// thread.
type Process_t struct {
	Pid  defs.Pid_t
	Name string
	As   *vm.As_t
	Main *Thread_t
}

/// RunQueue_t is one CPU's FIFO of runnable threads. vruntime is
/// tracked for a future RB-tree ordering; this implementation stays
/// FIFO.
type RunQueue_t struct {
	sync.Mutex
	head, tail  *Thread_t
	nrRunning   int
	minVruntime int64
}

/// NrRunning returns the number of threads currently enqueued (not
/// counting whichever thread is presently executing on the CPU).
func (rq *RunQueue_t) NrRunning() int {
	rq.Lock()
	defer rq.Unlock()
	return rq.nrRunning
}

func (rq *RunQueue_t) enqueue(t *Thread_t) {
	t.next = nil
	if rq.tail == nil {
		rq.head, rq.tail = t, t
	} else {
		rq.tail.next = t
		rq.tail = t
	}
	rq.nrRunning++
	if t.Vruntime < rq.minVruntime || rq.nrRunning == 1 {
		rq.minVruntime = t.Vruntime
	}
}

func (rq *RunQueue_t) dequeue() *Thread_t {
	t := rq.head
	if t == nil {
		return nil
	}
	rq.head = t.next
	if rq.head == nil {
		rq.tail = nil
	}
	t.next = nil
	rq.nrRunning--
	return t
}

var (
	RunQueues [MaxCPUs]RunQueue_t
	current   [MaxCPUs]*Thread_t

	nextPid = defs.Pid_t(1)
	nextTid = defs.Tid_t(1)
	idMu    sync.Mutex
)

// CPUID names the logical CPU the calling goroutine is running on. It
// forwards to tinfo's own injection point (overridden post-SMP bring-up,
// overridden by tests) rather than duplicating it; wrapping in a closure
// (instead of copying the func value) means overriding tinfo.CPUID later
// is still observed here.
var CPUID = func() int { return tinfo.CPUID() }

// SwitchFn performs the low-level context switch: save the outgoing
// thread's stack pointer, load the incoming thread's, and — if the
// incoming thread belongs to a different address space — load its CR3.
// unlock must be invoked only once the incoming thread is demonstrably
// the one executing; the default implementation below honours that
// ordering in the one place Go can fake a stack switch, and is replaced
// wholesale by real assembly once boot glue exists. Boot glue or tests
// may override it.
var SwitchFn = func(prev, next *Thread_t, unlock func()) {
	if prev != nil {
		prev.SP = savedSP
	}
	savedSP = next.SP
	if prev == nil || prev.Proc.As.Pml4phys != next.Proc.As.Pml4phys {
		cpu.WriteCR3(uint64(next.Proc.As.Pml4phys))
	}
	unlock()
}

// savedSP is a stand-in for "the current goroutine's machine stack
// pointer register" — there is no way to read or write RSP from Go
// itself, so the boot glue's real SwitchFn replaces this entirely once
// assembly exists; it only needs to exist here so the default SwitchFn
// above type-checks and the enqueue/dequeue/lock protocol is exercisable
// without real hardware.
var savedSP uintptr

// UpdateTSS installs the incoming thread's kernel stack top as the
// target CPU's TSS.RSP0, so the next interrupt taken on that CPU lands on
// the correct kernel stack. The boot glue supplies the real
// implementation; it is a no-op here so package tests don't need a TSS.
var UpdateTSS = func(cpuID int, kstackTop uintptr) {}

/// ProcessCreate allocates a process and its main thread: a fresh address
/// space, a kernel stack, and an initial stack frame such that the first
/// context switch into this thread transfers control to entry. The new
/// thread is enqueued on CPU 0.
func ProcessCreate(name string, entry uintptr) (*Process_t, defs.Err_t) {
	if len(name) > 31 {
		return nil, defs.ENAMETOOLONG
	}
	as, ok := vm.NewAddressSpace()
	if !ok {
		return nil, defs.ENOMEM
	}
	kstack, ok := mem.Physmem.AllocPages(kstackPages)
	if !ok {
		return nil, defs.ENOMEM
	}
	kstackTop := uintptr(unsafe.Pointer(mem.Dmap(kstack))) + uintptr(kstackPages*mem.PGSIZE)

	idMu.Lock()
	pid := nextPid
	nextPid++
	tid := nextTid
	nextTid++
	idMu.Unlock()

	p := &Process_t{Pid: pid, Name: name, As: as}
	t := &Thread_t{
		Tid:    tid,
		State:  RUNNING,
		Prio:   0,
		SP:     initialFrame(kstackTop, entry),
		KStack: kstackTop,
		Proc:   p,
	}
	t.Note.Alive = true
	p.Main = t

	RunQueues[0].Lock()
	t.State = RUNNING
	RunQueues[0].enqueue(t)
	RunQueues[0].Unlock()

	return p, 0
}

// initialFrame writes a return address of entry at the top of the
// supplied kernel stack, below six zeroed callee-saved register slots
// (rbx, rbp, r12-r15 in the SysV x86-64 ABI), and returns the stack
// pointer a swtch-style routine should load to "return into" entry.
func initialFrame(stackTop, entry uintptr) uintptr {
	const regs = 6
	frame := (*[regs + 1]uintptr)(unsafe.Pointer(stackTop - uintptr(regs+1)*8))
	for i := 0; i < regs; i++ {
		frame[i] = 0
	}
	frame[regs] = entry
	return stackTop - uintptr(regs+1)*8
}

/// Schedule runs one step of the scheduling algorithm on the given CPU's
/// run queue: requeue the outgoing thread if still runnable, dequeue the
/// new head, and switch to it. Called from Yield and from the periodic
/// timer tick. The outgoing thread's accumulated run time is charged to
/// its Accnt before it is requeued or parked.
func Schedule(cpuID int) {
	rq := &RunQueues[cpuID]
	rq.Lock()

	now := acctClock.Now()
	prev := current[cpuID]
	if prev != nil {
		delta := now - prev.schedInNs
		prev.Accnt.Utadd(delta)
		if prev.State == RUNNING {
			// every task carries the nice-0 weight, so the CFS scale
			// factor weight(nice_0)/weight(task) is 1 and vruntime
			// tracks wall time.
			prev.Vruntime += int64(delta)
			rq.enqueue(prev)
		}
	}

	next := rq.dequeue()
	if next == nil {
		rq.Unlock()
		return
	}
	next.schedInNs = now
	current[cpuID] = next
	UpdateTSS(cpuID, next.KStack)

	SwitchFn(prev, next, rq.Unlock)
}

/// Yield cooperatively gives up the CPU.
func Yield() {
	Schedule(CPUID())
}

/// Sleep degenerates to a yield: kernel-side blocking primitives are
/// out of scope, so the duration is not honoured yet.
func Sleep(ms uint32) {
	Yield()
}

/// Current returns the thread presently executing on the calling CPU, or
/// nil if none (the idle path).
func Current() *Thread_t {
	return current[CPUID()]
}
