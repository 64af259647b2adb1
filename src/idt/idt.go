// Package idt implements the 256-entry Interrupt Descriptor Table and
// common dispatch: a gate array plus the two-way branch between an
// unhandled-exception panic path and an IRQ-then-EOI path.
package idt

import (
	"console"
	"sync"

	"caller"
	"stats"
)

const Entries = 256

// exception vectors 0-31 are CPU-reserved; IRQs 0-15 are remapped to
// vectors 32-47.
const (
	IRQBase   = 32
	IRQCount  = 16
	PageFault = 14
)

// Gate_t mirrors one 16-byte long-mode interrupt gate descriptor. The
// fields exist so SetGate can be exercised and inspected by tests even
// though nothing in a hosted `go test` binary ever executes `lidt` against
// them; the boot glue is responsible for encoding Table into the real
// IDTR-loadable byte array.
type Gate_t struct {
	Offset   uintptr
	Selector uint16
	IST      uint8
	TypeAttr uint8
	Present  bool
}

// Table holds every gate, indexed by vector.
var Table [Entries]Gate_t

var exceptionNames = [32]string{
	"Division Error", "Debug", "NMI", "Breakpoint",
	"Overflow", "BOUND Range Exceeded", "Invalid Opcode",
	"Device Not Available", "Double Fault", "Coprocessor Segment Overrun",
	"Invalid TSS", "Segment Not Present", "Stack Fault",
	"General Protection", "Page Fault", "Reserved",
	"x87 FPU Error", "Alignment Check", "Machine Check", "SIMD FP",
	"Virtualization", "Reserved", "Reserved", "Reserved",
	"Reserved", "Reserved", "Reserved", "Reserved",
	"Reserved", "Security Exception", "Reserved", "Reserved",
}

const (
	gateInterrupt = 0x8E // present, ring 0, 64-bit interrupt gate
	kernelCS      = 0x08
)

// SetGate installs an interrupt gate at vector num pointing at
// handler.
func SetGate(num uint8, handler uintptr) {
	Table[num] = Gate_t{
		Offset:   handler,
		Selector: kernelCS,
		IST:      0,
		TypeAttr: gateInterrupt,
		Present:  true,
	}
}

var (
	mu          sync.Mutex
	irqHandlers [IRQCount]func()
)

// RegisterIRQ installs handler for irq (0-15); one slot per IRQ,
// registration replaces any previous handler.
func RegisterIRQ(irq uint8, handler func()) {
	mu.Lock()
	defer mu.Unlock()
	if irq < IRQCount {
		irqHandlers[irq] = handler
	}
}

// EOIFn sends end-of-interrupt to the local APIC. The boot glue points
// this at apic.EOI once the LAPIC is mapped; tests override it directly.
var EOIFn = func() {}

// PageFaultInfo decodes CR2 and the page-fault error code bits.
type PageFaultInfo struct {
	FaultAddr uintptr
	Present   bool
	Write     bool
	User      bool
}

func decodePageFault(cr2 uintptr, errCode uint64) PageFaultInfo {
	return PageFaultInfo{
		FaultAddr: cr2,
		Present:   errCode&1 != 0,
		Write:     errCode&2 != 0,
		User:      errCode&4 != 0,
	}
}

// PanicFn is invoked for an unhandled exception; it defaults to a real
// panic (category-1 unrecoverable condition per this tree's error-handling
// convention) but is overridable so tests can observe the call instead of
// crashing the test binary.
var PanicFn = func(msg string) { panic(msg) }

// Dispatch is the common interrupt entrypoint every ISR/IRQ stub in the
// boot glue's assembly ultimately calls into: vectors below 32 are CPU
// exceptions (logged, then PanicFn, with the page-fault decode when
// num==PageFault); vectors 32-47 are IRQs, run through the registered
// handler if any, then EOI'd.
func Dispatch(num uint8, errCode uint64, cr2 uintptr) {
	if num < 32 {
		console.Printf("EXCEPTION %d: %s\n", int(num), exceptionNames[num])
		console.Printf("  error code: %lx\n", errCode)
		if num == PageFault {
			pf := decodePageFault(cr2, errCode)
			console.Printf("  CR2=%p present=%d write=%d user=%d\n",
				pf.FaultAddr, b2i(pf.Present), b2i(pf.Write), b2i(pf.User))
		}
		caller.Callerdump(2)
		PanicFn("unhandled exception")
		return
	}
	if num >= IRQBase && num < IRQBase+IRQCount {
		irq := num - IRQBase
		stats.Irqs++
		stats.Nirqs[irq]++
		mu.Lock()
		h := irqHandlers[irq]
		mu.Unlock()
		if h != nil {
			h()
		}
		EOIFn()
	}
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
