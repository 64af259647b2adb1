// Package vm implements the kernel's virtual memory manager: the 4-level
// x86-64 page table tree, address-space creation, and the mapping
// primitives every other subsystem builds on.
package vm

import "sync"
import "unsafe"

import "cpu"
import "mem"

const (
	pml4shift = 39
	pdptshift = 30
	pdshift   = 21
	ptshift   = 12
	idxmask   = 0x1ff

	hugePageSize = 1 << pdshift
)

func idx(va uintptr, shift uint) int {
	return int((va >> shift) & idxmask)
}

/// As_t is a process address space: the physical address of its root
/// PML4, guarded by a lock so concurrent mappers serialize.
type As_t struct {
	sync.Mutex
	Pml4phys mem.Pa_t
}

func tableAt(phys mem.Pa_t) *mem.Pmap_t {
	return (*mem.Pmap_t)(unsafe.Pointer(mem.Dmap(phys)))
}

// InvlPGFn issues invlpg for a single virtual address after every mapping
// change. It is a var, not a direct cpu.InvlPG call, because invlpg is a
// privileged instruction: a hosted `go test` binary runs in ring 3 and
// would fault executing it. Tests override this the same way proc
// overrides SwitchFn/UpdateTSS; the boot glue never touches it.
var InvlPGFn = func(virt uintptr) { cpu.InvlPG(virt) }

/// getOrCreateTable returns the next-level table named by parent[index],
/// allocating and zeroing a fresh page if the entry isn't present yet.
func getOrCreateTable(parent *mem.Pmap_t, index int, flags mem.Pa_t) (*mem.Pmap_t, bool) {
	if parent[index]&mem.PTE_P != 0 {
		return tableAt(parent[index] & mem.PTE_ADDR), true
	}
	pa, ok := mem.Physmem.AllocPage()
	if !ok {
		return nil, false
	}
	parent[index] = pa | flags
	return tableAt(pa), true
}

/// MapPage walks (creating as needed) the PDPT, PD, and PT for virt and
/// installs a PRESENT leaf entry mapping it to phys. If a mapping already
/// existed at that address, it is cleared and the TLB entry invalidated
/// before the new mapping is installed.
func MapPage(root mem.Pa_t, virt uintptr, phys mem.Pa_t, flags mem.Pa_t) bool {
	pml4 := tableAt(root)
	pdpt, ok := getOrCreateTable(pml4, idx(virt, pml4shift), mem.PTE_P|mem.PTE_W)
	if !ok {
		return false
	}
	pd, ok := getOrCreateTable(pdpt, idx(virt, pdptshift), mem.PTE_P|mem.PTE_W)
	if !ok {
		return false
	}
	pt, ok := getOrCreateTable(pd, idx(virt, pdshift), mem.PTE_P|mem.PTE_W)
	if !ok {
		return false
	}
	pti := idx(virt, ptshift)
	if pt[pti]&mem.PTE_P != 0 {
		pt[pti] = 0
		InvlPGFn(virt)
	}
	pt[pti] = (phys & mem.PTE_ADDR) | flags
	InvlPGFn(virt)
	return true
}

/// MapHugePage installs a 2MiB leaf entry at the PD level.
func MapHugePage(root mem.Pa_t, virt uintptr, phys mem.Pa_t, flags mem.Pa_t) bool {
	pml4 := tableAt(root)
	pdpt, ok := getOrCreateTable(pml4, idx(virt, pml4shift), mem.PTE_P|mem.PTE_W)
	if !ok {
		return false
	}
	pd, ok := getOrCreateTable(pdpt, idx(virt, pdptshift), mem.PTE_P|mem.PTE_W)
	if !ok {
		return false
	}
	pdi := idx(virt, pdshift)
	if pd[pdi]&mem.PTE_P != 0 {
		pd[pdi] = 0
		InvlPGFn(virt)
	}
	pd[pdi] = (phys &^ mem.Pa_t(hugePageSize-1)) | flags | mem.PTE_PS
	InvlPGFn(virt)
	return true
}

/// MapPages allocates n fresh physical frames from the PMM and maps them
/// contiguously starting at virt. On any intermediate allocation or
/// mapping failure, it rolls back every mapping installed so far in this
/// call and returns false.
func MapPages(root mem.Pa_t, virt uintptr, n int, flags mem.Pa_t) bool {
	for i := 0; i < n; i++ {
		pa, ok := mem.Physmem.AllocPage()
		v := virt + uintptr(i*mem.PGSIZE)
		if !ok || !MapPage(root, v, pa, flags) {
			for j := 0; j < i; j++ {
				UnmapPage(root, virt+uintptr(j*mem.PGSIZE))
			}
			return false
		}
	}
	return true
}

/// UnmapPage tears down only the leaf PT entry at virt. Intermediate
/// tables (PDPT, PD, PT pages themselves) are left allocated; reclaiming
/// them is out of scope here.
func UnmapPage(root mem.Pa_t, virt uintptr) {
	pml4 := tableAt(root)
	e := pml4[idx(virt, pml4shift)]
	if e&mem.PTE_P == 0 {
		return
	}
	pdpt := tableAt(e & mem.PTE_ADDR)
	e = pdpt[idx(virt, pdptshift)]
	if e&mem.PTE_P == 0 {
		return
	}
	pd := tableAt(e & mem.PTE_ADDR)
	e = pd[idx(virt, pdshift)]
	if e&mem.PTE_P == 0 {
		return
	}
	if e&mem.PTE_PS != 0 {
		pd[idx(virt, pdshift)] = 0
		InvlPGFn(virt)
		return
	}
	pt := tableAt(e & mem.PTE_ADDR)
	pti := idx(virt, ptshift)
	if pt[pti]&mem.PTE_P == 0 {
		return
	}
	pt[pti] = 0
	InvlPGFn(virt)
}

/// GetPhys walks root's page table tree for virt using the direct map and
/// returns the physical address it resolves to, honouring huge pages at
/// the PD level. It returns ok=false if any level isn't PRESENT.
func GetPhys(root mem.Pa_t, virt uintptr) (mem.Pa_t, bool) {
	pml4 := tableAt(root)
	e := pml4[idx(virt, pml4shift)]
	if e&mem.PTE_P == 0 {
		return 0, false
	}
	pdpt := tableAt(e & mem.PTE_ADDR)
	e = pdpt[idx(virt, pdptshift)]
	if e&mem.PTE_P == 0 {
		return 0, false
	}
	pd := tableAt(e & mem.PTE_ADDR)
	e = pd[idx(virt, pdshift)]
	if e&mem.PTE_P == 0 {
		return 0, false
	}
	if e&mem.PTE_PS != 0 {
		off := virt & (hugePageSize - 1)
		return (e & mem.PTE_ADDR) + mem.Pa_t(off), true
	}
	pt := tableAt(e & mem.PTE_ADDR)
	e = pt[idx(virt, ptshift)]
	if e&mem.PTE_P == 0 {
		return 0, false
	}
	off := virt & uintptr(mem.PGSIZE-1)
	return (e & mem.PTE_ADDR) + mem.Pa_t(off), true
}

/// NewAddressSpace allocates a fresh PML4, zeroes its lower half (it is
/// already zero, fresh from the PMM), copies the kernel PML4's shared
/// upper-half entries verbatim, and installs the recursive self-map.
func NewAddressSpace() (*As_t, bool) {
	pa, ok := mem.Physmem.AllocPage()
	if !ok {
		return nil, false
	}
	pml4 := tableAt(pa)
	for _, kent := range mem.Kents {
		pml4[kent.Pml4slot] = kent.Entry
	}
	pml4[vrecSlot] = pa | mem.PTE_P | mem.PTE_W
	return &As_t{Pml4phys: pa}, true
}

// vrecSlot matches the slot mem.Dmap_init installs the kernel's own
// recursive self-map at, so every address space is self-describing the
// same way.
const vrecSlot = mem.VREC
