package mem

import "unsafe"

import "console"
import "cpu"

// PML4 slot layout: a handful of fixed slots for direct-map and kernel
// use, leaving the rest for user mappings.

/// VREC is the PML4 slot holding the recursive self-mapping: the
/// second-to-last upper-half entry, so page-table pages stay addressable
/// from every address space without colliding with the direct map below.
const VREC int = 510

/// VDIRECT is the PML4 slot backing the direct map of all physical memory.
const VDIRECT int = 0x44

/// VEND marks the end of kernel virtual space.
const VEND int = 0x50

/// VUSER is the first user-space slot.
const VUSER int = 0x59

/// USERMIN is the lowest user virtual address.
const USERMIN int = VUSER << 39

/// DMAPLEN is the length of the direct map in bytes: 512GiB, comfortably
/// larger than the 16GiB a laptop-class machine tops out at.
const DMAPLEN int = 1 << 39

/// Vdirect holds the virtual address of the direct map region.
var Vdirect = uintptr(VDIRECT << 39)

/// Dmap converts a physical address into a pointer into the direct map,
/// the kernel's uniform way to read or write any physical frame once the
/// VMM has built the map. When a test arena is installed (SetTestBacking),
/// it indexes into that ordinary Go slice instead.
func Dmap(p Pa_t) *Pg_t {
	if off, ok := testOffset(p); ok {
		return (*Pg_t)(unsafe.Pointer(&testBacking[off]))
	}
	if uintptr(p) >= 1<<39 {
		panic("direct map not large enough")
	}
	v := Vdirect + uintptr(p&PGMASK)
	return (*Pg_t)(unsafe.Pointer(v))
}

/// DmapToPhys inverts Dmap: given a pointer previously obtained through
/// the direct map, it recovers the physical address it refers to.
func DmapToPhys(ptr unsafe.Pointer) Pa_t {
	if testBacking != nil {
		off := uintptr(ptr) - uintptr(unsafe.Pointer(&testBacking[0]))
		if off < uintptr(len(testBacking)) {
			return testBase + Pa_t(off)
		}
	}
	return Pa_t(uintptr(ptr) - Vdirect)
}

/// Dmap8 returns a byte slice view of the frame at p via the direct map.
func Dmap8(p Pa_t) []uint8 {
	pg := Dmap(p)
	off := p & PGOFFSET
	bpg := Pg2bytes(pg)
	return bpg[off:]
}

/// Dmaplen returns a slice over the direct map starting at physical
/// address p for l bytes, spanning page boundaries.
func Dmaplen(p Pa_t, l int) []uint8 {
	_dmap := (*[DMAPLEN]uint8)(unsafe.Pointer(Vdirect))
	return _dmap[p : p+Pa_t(l)]
}

func pg2pmap(pg *Pg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}

/// Pg2bytes converts a page of ints to a page of bytes.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

/// Bytepg2pg converts a byte page back to a Pg_t.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

/// Kent_t records one of the kernel's shared upper-half PML4 entries,
/// copied verbatim into every address space created after Dmap_init runs.
type Kent_t struct {
	Pml4slot int
	Entry    Pa_t
}

/// Kents contains all kernel PML4 entries shared by every address space.
var Kents = make([]Kent_t, 0, 8)

/// Kpmapp caches the kernel's top-level page map, reached through the
/// direct map once it is built.
var kpml4phys Pa_t
var Kpmapp *Pmap_t

/// Kpmap returns the kernel's pmap pointer.
func Kpmap() *Pmap_t {
	return Kpmapp
}

/// KPML4Phys returns the physical address of the kernel's root PML4, the
/// value every fresh address space's upper half is copied from.
func KPML4Phys() Pa_t {
	return kpml4phys
}

/// Dmap_init builds the direct map covering all physical memory, using
/// 2MiB pages unless the CPU advertises 1GiB page support, then installs
/// the recursive self-mapping and records the shared kernel PML4 entries.
/// It must run after Phys_init (the PMM needs no direct map to build its
/// zone bitmaps) and before any other virtual memory operation.
func Dmap_init() {
	// until the direct map itself exists, AllocPage must zero new frames
	// through the boot identity mapping rather than through Dmap.
	prevZero := zeroFrameFn
	zeroFrameFn = func(pa Pa_t) { zeroIdentity(pa, PGSIZE) }
	defer func() { zeroFrameFn = prevZero }()

	_, _, _, edx := cpu.ID(0x80000001, 0)
	gbpages := edx&(1<<26) != 0

	_, _, _, edx = cpu.ID(0x1, 0)
	gse := edx&(1<<13) != 0
	if !gse {
		panic("mem: no global page support")
	}
	if cpu.ReadCR4()&(1<<7) == 0 {
		panic("mem: global pages disabled in cr4")
	}

	pml4pa, ok := Physmem.AllocPage()
	if !ok {
		panic("mem: out of memory building pml4 at boot")
	}
	pml4 := pg2pmap(identityPg(pml4pa))

	pdptPa, ok := Physmem.AllocPage()
	if !ok {
		panic("mem: out of memory building direct map pdpt")
	}
	pdpt := pg2pmap(identityPg(pdptPa))
	pml4[VDIRECT] = pdptPa | PTE_P | PTE_W

	size := Pa_t(1 << 30)
	if gbpages {
		console.Printf("mem: direct map via 1GiB pages\n")
		for i := range pdpt {
			pdpt[i] = Pa_t(i)*size | PTE_P | PTE_W | PTE_PS | PTE_G
		}
	} else {
		console.Printf("mem: direct map via 2MiB pages\n")
		size = 1 << 21
		pdptsz := Pa_t(1 << 30)
		for i := range pdpt {
			pdPa, ok := Physmem.AllocPage()
			if !ok {
				panic("mem: out of memory building direct map pd")
			}
			pd := pg2pmap(identityPg(pdPa))
			for j := range pd {
				pd[j] = Pa_t(i)*pdptsz + Pa_t(j)*size | PTE_P | PTE_W | PTE_PS | PTE_G
			}
			pdpt[i] = pdPa | PTE_P | PTE_W
		}
	}

	// identity map the first 1GiB with 2MiB huge pages so MMIO discovered
	// below that boundary (legacy devices, some LAPIC/IOAPIC placements)
	// is reachable without extra setup.
	identPdptPa, ok := Physmem.AllocPage()
	if !ok {
		panic("mem: out of memory building identity map")
	}
	identPdpt := pg2pmap(identityPg(identPdptPa))
	identPdPa, ok := Physmem.AllocPage()
	if !ok {
		panic("mem: out of memory building identity map")
	}
	identPd := pg2pmap(identityPg(identPdPa))
	for j := range identPd {
		identPd[j] = Pa_t(j)*(1<<21) | PTE_P | PTE_W | PTE_PS
	}
	identPdpt[0] = identPdPa | PTE_P | PTE_W
	pml4[0] = identPdptPa | PTE_P | PTE_W

	// recursive self-map: the PML4's own physical address installed as
	// one of its own entries, so page-table pages become addressable via
	// virtual addresses built from the VREC slot.
	pml4[VREC] = pml4pa | PTE_P | PTE_W

	kpml4phys = pml4pa
	cpu.WriteCR3(uint64(pml4pa))

	Kpmapp = pg2pmap(Dmap(pml4pa))
	Kents = Kents[:0]
	for i, e := range Kpmapp {
		if e&PTE_U == 0 && e&PTE_P != 0 {
			Kents = append(Kents, Kent_t{i, e})
		}
	}
}

// identityPg views a freshly allocated physical frame through the boot
// identity mapping, used only while building the direct map itself (the
// direct map obviously isn't available to build the direct map).
func identityPg(pa Pa_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(uintptr(pa)))
}
