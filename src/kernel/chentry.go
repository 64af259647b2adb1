// Command kernel is the bare-metal entrypoint: KernelMain runs the
// strict linear init sequence (PMM, VMM, slab, GDT/TSS, IDT, ACPI,
// LAPIC, IOAPIC, SMP run-queue init, scheduler, PCI, network), then
// idles polling the network and TCP timers. This order is the only
// legal one; every stage depends on the ones before it.
package main

import (
	"unsafe"

	"apic"
	"console"
	"cpu"
	"idt"
	"mem"
	"multiboot"
	"pci"
	"proc"
	"tcp"
)

// earlyVGA is the identity-mapped legacy VGA text buffer address the
// console writes to before a linear framebuffer (if any) is found.
const earlyVGA = uintptr(0xB8000)

// lapicPhys is the architectural default LAPIC MMIO base; a real boot
// path reads this out of IA32_APIC_BASE (apic.Init does, once SetMMIO
// has pointed it at the right page), but KernelMain needs the address
// before calling Init in order to map it at all.
const lapicPhys = mem.Pa_t(0xFEE00000)

// bootMBInfoPhys routes the boot-time multiboot pointer through a
// global rather than a compile-time constant, which keeps the compiler
// from discarding KernelMain as unreachable: the assembly rt0 stub that
// stores it is out of scope here.
var bootMBInfoPhys uintptr

// main is the only Go symbol assembly boot glue needs to find; it just
// trampolines into KernelMain.
func main() {
	KernelMain(bootMBInfoPhys)
}

// KernelMain is invoked by assembly boot glue with the physical address
// of the Multiboot2 information structure. It never returns.
func KernelMain(mbInfoPhys uintptr) {
	console.EarlyInit(earlyVGA)
	console.Printf("\n")
	console.Printf("========================================\n")
	console.Printf("  kernel starting\n")
	console.Printf("========================================\n\n")

	info, err := multiboot.ParseInfo(mbInfoPhys)
	if err != nil {
		console.Printf("[FAIL] multiboot parse: %s\n", err.Error())
		haltForever()
	}

	mem.Phys_init(availableRanges(info))
	console.Printf("[OK] PMM initialized\n")

	// build the kernel address space: direct map, low identity map, and
	// the recursive self-map, then switch CR3 to it. Per-process address
	// spaces (vm.NewAddressSpace) come later via proc.ProcessCreate.
	mem.Dmap_init()
	console.Printf("[OK] VMM ready\n")

	// slab has no explicit init step: its free lists and Kmalloc/Kfree
	// entry points work the moment mem.Physmem exists.
	console.Printf("[OK] heap ready\n")

	initGDTAndTSS()
	console.Printf("[OK] GDT/TSS installed\n")

	idt.SetGate(idt.PageFault, 0)
	console.Printf("[OK] IDT installed\n")

	console.Printf("[WARN] ACPI not implemented, using single-CPU defaults\n")

	lapicPage := mem.Dmap(lapicPhys)
	apic.SetMMIO(unsafe.Slice((*uint32)(unsafe.Pointer(lapicPage)), mem.PGSIZE/4))
	apic.Init()
	idt.EOIFn = apic.EOI
	for gsi := uint8(0); gsi < 16; gsi++ {
		apic.IOAPICSetIRQ(gsi, idt.IRQBase+gsi, uint8(apic.ID()))
	}
	console.Printf("[OK] LAPIC/IOAPIC initialized\n")

	// the periodic LAPIC timer preempts whatever is running; IRQ 0 stays
	// routed to the same schedule step so a PIT-only machine still ticks.
	apic.TimerSetHandler(func() { proc.Schedule(proc.CPUID()) })
	idt.RegisterIRQ(0, apic.FireTimer)
	console.Printf("[OK] run queues initialized, %d CPU(s)\n", len(proc.RunQueues))

	devices := pci.Enumerate()
	for i := range devices {
		if devices[i].Class == 0x02 { // network controller
			pci.EnableBusMastering(&devices[i])
		}
	}
	console.Printf("[OK] PCI enumerated: %d device(s)\n", len(devices))

	tcp.Init()
	console.Printf("[OK] network stack initialized\n")

	console.Printf("\n========================================\n")
	console.Printf("[OK] kernel ready\n")
	console.Printf("========================================\n\n")

	idleLoop()
}

// availableRanges extracts the AVAILABLE (type-1) memory-map entries
// multiboot reports into the range list mem.Phys_init wants.
func availableRanges(info *multiboot.Info) []mem.MemRange_t {
	var ranges []mem.MemRange_t
	for _, r := range info.Regions {
		if r.Type != multiboot.MemAvailable {
			continue
		}
		ranges = append(ranges, mem.MemRange_t{Base: mem.Pa_t(r.Base), Len: r.Length})
	}
	return ranges
}

// initGDTAndTSS is a stub: building a real GDT/TSS needs boot-glue
// assembly. proc.UpdateTSS is the hook the real implementation would
// fill in.
func initGDTAndTSS() {}

// idleLoop polls the TCP timers and halts between ticks.
func idleLoop() {
	for {
		tcp.TimerTick()
		tcp.Cleanup()
		cpuHalt()
	}
}

// cpuHalt is overridable so KernelMain's idle loop can be driven a
// bounded number of iterations in tests without actually halting.
var cpuHalt = cpu.Halt

func haltForever() {
	for {
		cpuHalt()
	}
}
