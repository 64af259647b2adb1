package proc

import (
	"testing"

	"mem"
	"vm"
)

// disarm swaps out every collaborator that would otherwise touch real
// hardware (invlpg, cr3, the TSS) for a no-op, the same mock-injection
// idiom the rest of this tree uses, and gives the scheduler a fresh PMM
// arena and empty run queue to work with. It returns the names of every
// thread SwitchFn is invoked with, in order.
func disarm(t *testing.T) *[]string {
	t.Helper()
	mem.NewTestPhysmem(64)

	prevInvlPG := vm.InvlPGFn
	vm.InvlPGFn = func(uintptr) {}

	prevSwitch := SwitchFn
	switches := &[]string{}
	SwitchFn = func(prevT, next *Thread_t, unlock func()) {
		*switches = append(*switches, next.Proc.Name)
		unlock()
	}

	prevUpdateTSS := UpdateTSS
	UpdateTSS = func(int, uintptr) {}

	prevCPUID := CPUID
	CPUID = func() int { return 0 }

	RunQueues[0] = RunQueue_t{}
	current[0] = nil

	t.Cleanup(func() {
		vm.InvlPGFn = prevInvlPG
		SwitchFn = prevSwitch
		UpdateTSS = prevUpdateTSS
		CPUID = prevCPUID
		RunQueues[0] = RunQueue_t{}
		current[0] = nil
	})
	return switches
}

func mustCreate(t *testing.T, name string) *Process_t {
	t.Helper()
	p, err := ProcessCreate(name, 0x1000)
	if err != 0 {
		t.Fatalf("ProcessCreate(%q) failed: %d", name, err)
	}
	return p
}

func TestProcessCreateEnqueuesOnCPU0(t *testing.T) {
	disarm(t)
	p := mustCreate(t, "t1")
	if RunQueues[0].NrRunning() != 1 {
		t.Fatalf("NrRunning = %d, want 1", RunQueues[0].NrRunning())
	}
	if p.Main.State != RUNNING {
		t.Fatalf("new thread state = %v, want RUNNING", p.Main.State)
	}
}

// TestScheduleFIFOFairness: three same-priority threads T1/T2/T3 are
// created in order; repeatedly yielding runs them round-robin in the
// same order they were enqueued.
func TestScheduleFIFOFairness(t *testing.T) {
	switches := disarm(t)

	p1 := mustCreate(t, "t1")
	p2 := mustCreate(t, "t2")
	p3 := mustCreate(t, "t3")

	// ProcessCreate's own enqueue already put t1 on the run queue; make it
	// "current" the way boot glue would after the first schedule, then
	// drive three more rounds and confirm strict FIFO order.
	current[0] = p1.Main
	RunQueues[0].dequeue() // remove the duplicate head entry Schedule would otherwise see twice

	Schedule(0) // t1 requeued behind t2,t3; t2 becomes current
	Schedule(0) // t2 requeued; t3 becomes current
	Schedule(0) // t3 requeued; t1 becomes current again

	want := []string{p2.Name, p3.Name, p1.Name}
	if len(*switches) != len(want) {
		t.Fatalf("got %d switches, want %d: %v", len(*switches), len(want), *switches)
	}
	for i, name := range want {
		if (*switches)[i] != name {
			t.Fatalf("switch #%d = %q, want %q (full order %v)", i, (*switches)[i], name, *switches)
		}
	}
	if current[0] != p1.Main {
		t.Fatalf("after 3 rounds current should cycle back to t1, got thread for %q", current[0].Proc.Name)
	}
}

func TestScheduleRequeuesRunnableAndAdvancesVruntime(t *testing.T) {
	disarm(t)
	p := mustCreate(t, "solo")
	current[0] = p.Main
	RunQueues[0].dequeue()
	p.Main.schedInNs = acctClock.Now()

	before := p.Main.Vruntime
	beforeUser := p.Main.Accnt.Userns
	Schedule(0)
	gained := p.Main.Accnt.Userns - beforeUser
	if gained < 0 {
		t.Fatalf("negative user time charged: %d", gained)
	}
	// all tasks share the nice-0 weight, so vruntime advances exactly by
	// the wall time charged to the thread's accounting.
	if p.Main.Vruntime != before+gained {
		t.Fatalf("vruntime = %d, want %d", p.Main.Vruntime, before+gained)
	}
	if current[0] != p.Main {
		t.Fatal("sole runnable thread should be rescheduled onto itself")
	}
}

// TestScheduleChargesOutgoingThreadAccnt confirms the thread being
// switched away from accrues nonnegative user time in its Accnt before
// the next thread takes the CPU.
func TestScheduleChargesOutgoingThreadAccnt(t *testing.T) {
	disarm(t)
	p := mustCreate(t, "solo")
	current[0] = p.Main
	RunQueues[0].dequeue()
	p.Main.schedInNs = acctClock.Now()

	before := p.Main.Accnt.Userns
	Schedule(0)
	if p.Main.Accnt.Userns < before {
		t.Fatalf("Accnt.Userns went backwards: %d -> %d", before, p.Main.Accnt.Userns)
	}
}

func TestScheduleWithEmptyQueueLeavesCurrentUnchanged(t *testing.T) {
	disarm(t)
	Schedule(0)
	if current[0] != nil {
		t.Fatal("Schedule on an empty queue should not install a current thread")
	}
}

func TestRunQueueFIFOOrder(t *testing.T) {
	var rq RunQueue_t
	a := &Thread_t{Tid: 1}
	b := &Thread_t{Tid: 2}
	c := &Thread_t{Tid: 3}
	rq.enqueue(a)
	rq.enqueue(b)
	rq.enqueue(c)

	if got := rq.dequeue(); got != a {
		t.Fatalf("dequeue #1 = tid %d, want %d", got.Tid, a.Tid)
	}
	if got := rq.dequeue(); got != b {
		t.Fatalf("dequeue #2 = tid %d, want %d", got.Tid, b.Tid)
	}
	if got := rq.dequeue(); got != c {
		t.Fatalf("dequeue #3 = tid %d, want %d", got.Tid, c.Tid)
	}
	if got := rq.dequeue(); got != nil {
		t.Fatalf("dequeue on empty queue = %v, want nil", got)
	}
}
