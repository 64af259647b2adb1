package mem

import "sync"
import "time"
import "unsafe"

import "console"
import "oommsg"
import "util"

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

/// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

/// PTE_P marks a page as present.
const PTE_P Pa_t = 1 << 0

/// PTE_W marks a page writable.
const PTE_W Pa_t = 1 << 1

/// PTE_U marks a page user-accessible.
const PTE_U Pa_t = 1 << 2

/// PTE_G marks a global page.
const PTE_G Pa_t = 1 << 8

/// PTE_PCD disables caching for the page.
const PTE_PCD Pa_t = 1 << 4

/// PTE_PS indicates a large page (2MiB at the PD level).
const PTE_PS Pa_t = 1 << 7

/// PTE_ADDR extracts the address bits of a PTE.
const PTE_ADDR Pa_t = PGMASK

/// Pa_t represents a physical address.
type Pa_t uintptr

/// Bytepg_t is a byte addressed page.
type Bytepg_t [PGSIZE]uint8

/// Pg_t is a generic page of ints, used where callers need a pointer-sized
/// view of a frame's contents.
type Pg_t [512]int

/// Pmap_t is a page table page: 512 page-table entries.
type Pmap_t [512]Pa_t

// zone boundaries, in bytes, per the DMA reach of legacy devices.
const (
	dmaLimit   = 16 << 20
	dma32Limit = 4 << 30
	// the kernel image and early boot data occupy the first 16MiB of
	// physical memory and are never handed out.
	reservedBytes = 16 << 20
)

/// ZoneID names one of the three physical memory zones.
type ZoneID int

const (
	ZoneDMA ZoneID = iota
	ZoneDMA32
	ZoneNormal
	zoneCount
)

func (z ZoneID) String() string {
	switch z {
	case ZoneDMA:
		return "DMA"
	case ZoneDMA32:
		return "DMA32"
	case ZoneNormal:
		return "NORMAL"
	}
	return "?"
}

/// Zone_t is a contiguous PFN range tracked by a single allocation bitmap.
/// bitmap bit i is set iff frame basePFN+i is allocated or reserved.
type Zone_t struct {
	sync.Mutex
	basePFN uint64
	endPFN  uint64
	total   uint64
	free    uint64
	bitmap  []uint64
}

func (z *Zone_t) npages() uint64 {
	return z.endPFN - z.basePFN
}

func (z *Zone_t) testbit(i uint64) bool {
	return z.bitmap[i/64]&(1<<(i%64)) != 0
}

func (z *Zone_t) setbit(i uint64) {
	z.bitmap[i/64] |= 1 << (i % 64)
}

func (z *Zone_t) clearbit(i uint64) {
	z.bitmap[i/64] &^= 1 << (i % 64)
}

/// Physmem_t is the kernel's physical memory manager: three zones plus the
/// direct map used to reach any frame from kernel virtual address space.
type Physmem_t struct {
	zones  [zoneCount]Zone_t
	inited bool
}

/// Physmem is the global physical memory allocator instance.
var Physmem = &Physmem_t{}

/// MemRange_t is one AVAILABLE range taken from the bootloader's memory
/// map, already in bytes.
type MemRange_t struct {
	Base Pa_t
	Len  uint64
}

func classify(end Pa_t) ZoneID {
	switch {
	case end <= dmaLimit:
		return ZoneDMA
	case end <= dma32Limit:
		return ZoneDMA32
	default:
		return ZoneNormal
	}
}

// splitByZone cuts [start, end) at the DMA and DMA32 boundaries so each
// piece classifies into exactly one zone; a range spanning 16MiB or 4GiB
// contributes its low part to the lower zone instead of dragging it all
// into the higher one.
func splitByZone(start, end Pa_t) [][2]Pa_t {
	var out [][2]Pa_t
	for _, b := range [...]Pa_t{dmaLimit, dma32Limit} {
		if start < b && end > b {
			out = append(out, [2]Pa_t{start, b})
			start = b
		}
	}
	return append(out, [2]Pa_t{start, end})
}

// normalize page-aligns a raw range and discards everything below 1MiB
// (BIOS, VGA). ok is false when nothing remains.
func normalize(r MemRange_t) (Pa_t, Pa_t, bool) {
	start := Pa_t(util.Roundup(int(r.Base), PGSIZE))
	end := Pa_t(util.Rounddown(int(r.Base)+int(r.Len), PGSIZE))
	if start >= end || end <= 1<<20 {
		return 0, 0, false
	}
	if start < 1<<20 {
		start = 1 << 20
	}
	return start, end, true
}

/// Phys_init builds the three zone bitmaps from the bootloader-supplied
/// memory map. It uses the early bootstrap allocator to back each zone's
/// bitmap storage, then marks the boot-reserved frames (kernel image and
/// early boot data) allocated.
func Phys_init(ranges []MemRange_t) *Physmem_t {
	phys := Physmem

	for i := range phys.zones {
		phys.zones[i].basePFN = ^uint64(0)
		phys.zones[i].endPFN = 0
	}

	// first pass: compute each zone's bounding [basePFN, endPFN) and total
	// page count from the available ranges.
	for _, r := range ranges {
		start, end, ok := normalize(r)
		if !ok {
			continue
		}
		for _, piece := range splitByZone(start, end) {
			z := &phys.zones[classify(piece[1])]
			spfn := uint64(piece[0]) >> PGSHIFT
			epfn := uint64(piece[1]) >> PGSHIFT
			if spfn < z.basePFN {
				z.basePFN = spfn
			}
			if epfn > z.endPFN {
				z.endPFN = epfn
			}
			z.total += epfn - spfn
		}
	}

	// allocate and initialize each zone's bitmap to all-ones (allocated),
	// then a second pass clears bits for frames actually available.
	for zi := range phys.zones {
		z := &phys.zones[zi]
		if z.total == 0 {
			z.basePFN, z.endPFN = 0, 0
			continue
		}
		words := (z.npages() + 63) / 64
		bytes := int(words * 8)
		bpages := (bytes + PGSIZE - 1) / PGSIZE
		bm := earlyAllocPages(bpages)
		z.bitmap = bitmapView(bm, int(words))
		for i := range z.bitmap {
			z.bitmap[i] = ^uint64(0)
		}
		z.free = 0
	}

	for _, r := range ranges {
		start, end, ok := normalize(r)
		if !ok {
			continue
		}
		for _, piece := range splitByZone(start, end) {
			z := &phys.zones[classify(piece[1])]
			for pfn := uint64(piece[0]) >> PGSHIFT; pfn < uint64(piece[1])>>PGSHIFT; pfn++ {
				idx := pfn - z.basePFN
				if z.testbit(idx) {
					z.clearbit(idx)
					z.free++
				}
			}
		}
	}

	phys.inited = true
	reserveBoot(phys)

	for zi := range phys.zones {
		z := &phys.zones[zi]
		if z.total != 0 {
			console.Printf("mem: zone %s: %lu MiB free of %lu MiB\n",
				ZoneID(zi).String(), (z.free*uint64(PGSIZE))>>20, (z.total*uint64(PGSIZE))>>20)
		}
	}
	return phys
}

// reserveBoot marks the boot-reserved frames (kernel image and early
// boot data) allocated, per the init invariant that new mappings never
// overlap reserved frames: the first 16MiB tracked by the NORMAL zone,
// plus every frame the early allocator handed out for the zone bitmaps.
func reserveBoot(phys *Physmem_t) {
	z := &phys.zones[ZoneNormal]
	if z.total != 0 {
		end := uint64(reservedBytes) >> PGSHIFT
		for pfn := z.basePFN; pfn < end && pfn < z.endPFN; pfn++ {
			idx := pfn - z.basePFN
			if !z.testbit(idx) {
				z.setbit(idx)
				z.free--
			}
		}
	}

	earlyMu.Lock()
	used := earlyNext
	earlyMu.Unlock()
	for i := uint64(0); i < used; i++ {
		if !bitset(earlyUsed[:], i) {
			continue
		}
		pa := Pa_t(earlyBase + i*uint64(PGSIZE))
		if ez, idx, ok := phys.zoneFor(pa); ok && !ez.testbit(idx) {
			ez.setbit(idx)
			ez.free--
		}
	}
}

// notifyOOM posts an out-of-memory notice on oommsg.OomCh and waits for a
// reclaimer's resume signal. If nothing claims the notice within the grace
// period it gives up rather than blocking the allocator forever.
func notifyOOM(need int) bool {
	resume := make(chan bool, 1)
	select {
	case oommsg.OomCh <- oommsg.Oommsg_t{Need: need, Resume: resume}:
		return <-resume
	case <-time.After(10 * time.Millisecond):
		return false
	}
}

/// AllocPage scans NORMAL, then DMA32, then DMA, first-fit within each
/// zone's bitmap, and returns the zero-filled frame's physical address. If
/// every zone is exhausted it notifies any listening reclaimer via oommsg
/// and retries once before giving up.
func (phys *Physmem_t) AllocPage() (Pa_t, bool) {
	for _, zi := range [...]ZoneID{ZoneNormal, ZoneDMA32, ZoneDMA} {
		if pa, ok := phys.allocInZone(zi, 1); ok {
			zeroFrame(pa)
			return pa, true
		}
	}
	if !notifyOOM(1) {
		return 0, false
	}
	for _, zi := range [...]ZoneID{ZoneNormal, ZoneDMA32, ZoneDMA} {
		if pa, ok := phys.allocInZone(zi, 1); ok {
			zeroFrame(pa)
			return pa, true
		}
	}
	return 0, false
}

/// AllocPages allocates a contiguous run of n frames, first-fit, searching
/// the same zone order as AllocPage.
func (phys *Physmem_t) AllocPages(n int) (Pa_t, bool) {
	for _, zi := range [...]ZoneID{ZoneNormal, ZoneDMA32, ZoneDMA} {
		if pa, ok := phys.allocInZone(zi, n); ok {
			for i := 0; i < n; i++ {
				zeroFrame(pa + Pa_t(i*PGSIZE))
			}
			return pa, true
		}
	}
	return 0, false
}

/// AllocHugePage allocates a contiguous, 2MiB-aligned run of 512 frames
/// within a single zone.
func (phys *Physmem_t) AllocHugePage() (Pa_t, bool) {
	const n = 512
	for _, zi := range [...]ZoneID{ZoneNormal, ZoneDMA32, ZoneDMA} {
		z := &phys.zones[zi]
		z.Lock()
		if z.total == 0 {
			z.Unlock()
			continue
		}
		np := z.npages()
		// candidate runs start at the first 2MiB-aligned PFN in the zone
		// and stay aligned stepping a run at a time.
		for base := (n - z.basePFN%n) % n; base+n <= np; base += n {
			if z.runFree(base, n) {
				z.markRun(base, n)
				z.free -= n
				z.Unlock()
				pa := Pa_t((z.basePFN + base) << PGSHIFT)
				for i := 0; i < n; i++ {
					zeroFrame(pa + Pa_t(i*PGSIZE))
				}
				return pa, true
			}
		}
		z.Unlock()
	}
	return 0, false
}

func (phys *Physmem_t) allocInZone(zi ZoneID, n int) (Pa_t, bool) {
	z := &phys.zones[zi]
	z.Lock()
	defer z.Unlock()
	if z.total == 0 || z.free < uint64(n) {
		return 0, false
	}
	np := z.npages()
	for base := uint64(0); base+uint64(n) <= np; base++ {
		if z.runFree(base, n) {
			z.markRun(base, uint64(n))
			z.free -= uint64(n)
			return Pa_t((z.basePFN + base) << PGSHIFT), true
		}
	}
	return 0, false
}

func (z *Zone_t) runFree(base uint64, n int) bool {
	for i := 0; i < n; i++ {
		if z.testbit(base + uint64(i)) {
			return false
		}
	}
	return true
}

func (z *Zone_t) markRun(base, n uint64) {
	for i := uint64(0); i < n; i++ {
		z.setbit(base + i)
	}
}

func (phys *Physmem_t) zoneFor(pa Pa_t) (*Zone_t, uint64, bool) {
	pfn := uint64(pa) >> PGSHIFT
	for i := range phys.zones {
		z := &phys.zones[i]
		if z.total != 0 && pfn >= z.basePFN && pfn < z.endPFN {
			return z, pfn - z.basePFN, true
		}
	}
	return nil, 0, false
}

/// FreePage releases the frame at pa. Freeing an out-of-range address or
/// double-freeing an already-free frame is diagnostics-only: a warning is
/// printed and state is left unchanged.
func (phys *Physmem_t) FreePage(pa Pa_t) {
	z, idx, ok := phys.zoneFor(pa)
	if !ok {
		console.Printf("mem: free of out-of-range address 0x%lx\n", uint64(pa))
		return
	}
	z.Lock()
	defer z.Unlock()
	if !z.testbit(idx) {
		console.Printf("mem: double free at 0x%lx\n", uint64(pa))
		return
	}
	z.clearbit(idx)
	z.free++
}

/// FreePages releases a contiguous run of n frames previously returned by
/// AllocPages.
func (phys *Physmem_t) FreePages(pa Pa_t, n int) {
	for i := 0; i < n; i++ {
		phys.FreePage(pa + Pa_t(i*PGSIZE))
	}
}

/// FreeCount returns the number of free frames in each zone, indexed by
/// ZoneID.
func (phys *Physmem_t) FreeCount() [3]uint64 {
	var r [3]uint64
	for i := range phys.zones {
		z := &phys.zones[i]
		z.Lock()
		r[i] = z.free
		z.Unlock()
	}
	return r
}

// zeroFrameFn is overridden in tests; the real implementation zeroes
// through the direct map.
var zeroFrameFn = func(pa Pa_t) {
	pg := Dmap(pa)
	for i := range pg {
		pg[i] = 0
	}
}

func zeroFrame(pa Pa_t) {
	zeroFrameFn(pa)
}

// the early bootstrap allocator: a bump allocator over a fixed-size
// tracking bitmap starting at the 1MiB mark, used only to back the zone
// bitmaps before the zone allocator itself is ready.
const earlyWindowPages = 65536

var (
	earlyMu   sync.Mutex
	earlyUsed [earlyWindowPages / 8]uint8
	earlyNext uint64
)

const earlyBase = 0x100000

/// earlyAllocPages hands out `pages` contiguous 4KiB frames from the fixed
/// early window starting at 1MiB, bump-style with a bounded linear scan,
/// and panics if the window is exhausted. It runs before the kernel's own
/// direct map exists, so it touches memory through the identity mapping
/// the boot trampoline already installed for low physical addresses.
func earlyAllocPages(pages int) Pa_t {
	earlyMu.Lock()
	defer earlyMu.Unlock()
	for i := earlyNext; i+uint64(pages) <= earlyWindowPages; i++ {
		ok := true
		for j := 0; j < pages; j++ {
			if bitset(earlyUsed[:], i+uint64(j)) {
				ok = false
				break
			}
		}
		if ok {
			for j := 0; j < pages; j++ {
				bitsetMark(earlyUsed[:], i+uint64(j))
			}
			earlyNext = i + uint64(pages)
			pa := Pa_t(earlyBase + i*uint64(PGSIZE))
			zeroIdentity(pa, pages*PGSIZE)
			return pa
		}
	}
	panic("mem: early allocator exhausted")
}

// zeroIdentity zeroes `n` bytes at physical address pa, assuming pa is
// currently identity mapped (true of the low window the early allocator
// draws from). When a test arena is installed (see SetTestBacking), it
// zeroes into that instead of dereferencing a raw physical address.
var zeroIdentity = func(pa Pa_t, n int) {
	if off, ok := testOffset(pa); ok {
		for i := 0; i < n; i++ {
			testBacking[off+i] = 0
		}
		return
	}
	p := (*[earlyWindowPages * PGSIZE]byte)(unsafe.Pointer(uintptr(pa)))
	for i := 0; i < n; i++ {
		p[i] = 0
	}
}

func bitset(b []uint8, i uint64) bool {
	return b[i/8]&(1<<(i%8)) != 0
}

func bitsetMark(b []uint8, i uint64) {
	b[i/8] |= 1 << (i % 8)
}

// bitmapView reinterprets a freshly allocated physical frame run, reached
// through the boot-time identity mapping, as a []uint64 of the requested
// length.
func bitmapView(pa Pa_t, words int) []uint64 {
	if off, ok := testOffset(pa); ok {
		p := (*uint64)(unsafe.Pointer(&testBacking[off]))
		return unsafe.Slice(p, words)
	}
	p := (*[1 << 23]uint64)(unsafe.Pointer(uintptr(pa)))
	return p[:words:words]
}
