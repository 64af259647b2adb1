// Package apic drives the local APIC (timer, EOI, IPIs) and the IOAPIC
// redirection table, consulting msi for the PCI-MSI enablement path.
package apic

import (
	"console"
	"cpu"
	"msi"
)

// LAPIC register offsets, in 32-bit words from the MMIO base.
const (
	regID           = 0x020 / 4
	regVersion      = 0x030 / 4
	regEOI          = 0x0B0 / 4
	regSpurious     = 0x0F0 / 4
	regICRLow       = 0x300 / 4
	regICRHigh      = 0x310 / 4
	regTimerCount   = 0x390 / 4
	regTimerLVT     = 0x320 / 4
	regTimerInitCnt = 0x380 / 4
	regTimerDivide  = 0x3E0 / 4
)

const msrAPICBase = 0x1B

// mmio abstracts the LAPIC's 4KiB MMIO register window as a []uint32 so
// tests can substitute an ordinary Go slice instead of the real physical
// address the boot glue maps via the direct map — the same indirection
// mem/vm use for hardware-only paths.
var mmio []uint32

// SetMMIO installs the LAPIC register window. The boot glue calls this
// once with a direct-mapped slice over the real MMIO page (read out of
// IA32_APIC_BASE); tests call it with a plain make([]uint32, 1024).
func SetMMIO(regs []uint32) { mmio = regs }

var timerHandler func()

// ReadMSRFn/WriteMSRFn/CPUIDFn/OutbFn indirect the privileged instructions
// Init needs so it is exercisable under a hosted `go test` binary; they
// default to the real cpu package and are overridden by tests exactly
// like proc.SwitchFn and vm.InvlPGFn.
var (
	ReadMSRFn  = cpu.Rdmsr
	WriteMSRFn = cpu.Wrmsr
	CPUIDFn    = cpu.ID
	OutbFn     = cpu.Outb
)

// Init disables the legacy 8259 PICs, confirms CPUID advertises an APIC,
// enables it via IA32_APIC_BASE if not already, and software-enables the
// LAPIC through the spurious-interrupt vector register. mmio must
// already be installed via SetMMIO (the boot glue maps the physical base
// this function reads out of the MSR before calling Init).
func Init() {
	OutbFn(0x21, 0xFF)
	OutbFn(0xA1, 0xFF)

	_, _, _, edx := CPUIDFn(1, 0)
	if edx&(1<<9) == 0 {
		panic("apic: APIC not supported")
	}

	base := ReadMSRFn(msrAPICBase)
	if base&(1<<11) == 0 {
		WriteMSRFn(msrAPICBase, base|(1<<11))
	}

	if mmio == nil {
		panic("apic: Init called before SetMMIO")
	}
	mmio[regSpurious] = 0x1FF

	console.Printf("LAPIC: ID=%u version=%u\n", ID(), mmio[regVersion]&0xFF)
}

// ID returns the local APIC ID of the calling CPU, read out of the
// ID register's top byte.
func ID() uint32 {
	if mmio == nil {
		return 0
	}
	return mmio[regID] >> 24
}

// EOI signals end-of-interrupt: a write of zero to the EOI register.
func EOI() {
	if mmio != nil {
		mmio[regEOI] = 0
	}
}

// SendIPI issues an inter-processor interrupt to apicID carrying
// vector.
func SendIPI(apicID uint8, vector uint8) {
	if mmio == nil {
		return
	}
	mmio[regICRHigh] = uint32(apicID) << 24
	mmio[regICRLow] = uint32(vector) | 0x4000
}

// TimerSetHandler installs the function the boot glue's timer ISR calls
// into.
func TimerSetHandler(h func()) { timerHandler = h }

// FireTimer invokes the installed timer handler, if any. The boot glue's
// assembly timer-interrupt stub calls this; it is also how tests drive
// the handler without real hardware.
func FireTimer() {
	if timerHandler != nil {
		timerHandler()
	}
}

// ---- IOAPIC ----

const MaxIOAPICs = 8

// RedirEntry_t is one IOAPIC redirection table entry: which vector an
// interrupt input is steered to, and its destination APIC ID.
type RedirEntry_t struct {
	Vector uint8
	DestID uint8
	Masked bool
}

var redirTable [24]RedirEntry_t

// IOAPICSetIRQ installs vector/dest for gsi. The real register-write
// side is a stub; the table itself is fully tracked so callers and tests
// can observe the intended routing.
func IOAPICSetIRQ(gsi uint8, vector uint8, destID uint8) {
	if int(gsi) < len(redirTable) {
		redirTable[gsi] = RedirEntry_t{Vector: vector, DestID: destID}
	}
}

func IOAPICMaskIRQ(gsi uint8) {
	if int(gsi) < len(redirTable) {
		redirTable[gsi].Masked = true
	}
}

func IOAPICUnmaskIRQ(gsi uint8) {
	if int(gsi) < len(redirTable) {
		redirTable[gsi].Masked = false
	}
}

func IOAPICEntry(gsi uint8) RedirEntry_t {
	if int(gsi) < len(redirTable) {
		return redirTable[gsi]
	}
	return RedirEntry_t{}
}

// EnableMSI allocates an MSI vector; the actual config-space writes are
// the pci package's job (EnableMSI there calls back into this for
// vector allocation).
func EnableMSI() msi.Msivec_t {
	return msi.Msi_alloc()
}

// DisableMSI releases a vector obtained from EnableMSI.
func DisableMSI(v msi.Msivec_t) {
	msi.Msi_free(v)
}
