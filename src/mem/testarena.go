package mem

// Production code reaches physical memory through the direct map (built
// by Dmap_init) or, before that exists, through the boot identity
// mapping. Neither is available under `go test` — there is no real
// physical/virtual distinction in a hosted test binary — so Dmap,
// zeroIdentity, and bitmapView all check here first and, if a test arena
// is installed, index into an ordinary Go byte slice instead. This is the
// same mock-collaborator idiom the rest of this tree uses for hardware
// paths (tinfo.CPUID, stats.SetRdtsc); it just lives at the lowest layer
// since everything above PMM ultimately bottoms out in Dmap.
var (
	testBacking []byte
	testBase    Pa_t
)

/// SetTestBacking installs (or, passed a nil backing, clears) the
/// host-memory arena standing in for physical RAM. base is the physical
/// address the arena's first byte represents.
func SetTestBacking(backing []byte, base Pa_t) {
	testBacking = backing
	testBase = base
}

func testOffset(p Pa_t) (int, bool) {
	if testBacking == nil {
		return 0, false
	}
	off := int64(p) - int64(testBase)
	if off < 0 || off >= int64(len(testBacking)) {
		return 0, false
	}
	return int(off), true
}

/// TestArenaBase is the physical base address NewTestPhysmem's zone
/// starts at: just past the 16MiB boundary that separates the DMA zone
/// (and its first-16MiB kernel-image reservation) from DMA32, so
/// test zones always land in DMA32 and never lose frames to that
/// reservation. The backing arena still has to start at physical address
/// 0 (see NewTestPhysmem) because the early allocator's bitmap-storage
/// window is hardwired to start at 1MiB.
const TestArenaBase Pa_t = 17 << 20

/// NewTestPhysmem builds a fresh Physmem_t over an ordinary Go byte slice
/// of npages pages, installed as the test backing arena, and returns it
/// already initialized via Phys_init. Every package whose tests need real
/// PMM-backed allocation (slab, vm, proc, tcp) shares this one helper
/// rather than re-deriving the arena-sizing arithmetic.
func NewTestPhysmem(npages uint64) *Physmem_t {
	size := int(TestArenaBase) + int(npages)*PGSIZE
	SetTestBacking(make([]byte, size), 0)
	earlyMu.Lock()
	earlyUsed = [earlyWindowPages / 8]uint8{}
	earlyNext = 0
	earlyMu.Unlock()
	Physmem = &Physmem_t{}
	Phys_init([]MemRange_t{{Base: TestArenaBase, Len: npages * uint64(PGSIZE)}})
	return Physmem
}
