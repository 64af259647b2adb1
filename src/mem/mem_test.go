package mem

import "testing"

import "oommsg"

// TestAllocFreeRoundTrip allocates every free frame in a zone, confirms
// FreeCount drops to zero, frees them all back, and confirms it returns
// to the starting count.
func TestAllocFreeRoundTrip(t *testing.T) {
	NewTestPhysmem(32)

	start := Physmem.FreeCount()
	total := start[ZoneDMA] + start[ZoneDMA32] + start[ZoneNormal]
	if total == 0 {
		t.Fatal("test zone reports zero free frames")
	}

	var got []Pa_t
	for {
		pa, ok := Physmem.AllocPage()
		if !ok {
			break
		}
		got = append(got, pa)
	}
	if uint64(len(got)) != total {
		t.Fatalf("allocated %d frames, want %d", len(got), total)
	}

	empty := Physmem.FreeCount()
	if empty[ZoneDMA]+empty[ZoneDMA32]+empty[ZoneNormal] != 0 {
		t.Fatal("frames still free after exhausting the zone")
	}

	for _, pa := range got {
		Physmem.FreePage(pa)
	}

	end := Physmem.FreeCount()
	if end != start {
		t.Fatalf("FreeCount after round trip = %+v, want %+v", end, start)
	}
}

func TestAllocPageReturnsDistinctZeroedFrames(t *testing.T) {
	NewTestPhysmem(8)

	seen := map[Pa_t]bool{}
	for i := 0; i < 4; i++ {
		pa, ok := Physmem.AllocPage()
		if !ok {
			t.Fatalf("AllocPage #%d failed", i)
		}
		if seen[pa] {
			t.Fatalf("AllocPage #%d returned a frame already handed out: %#x", i, pa)
		}
		seen[pa] = true

		pg := Dmap(pa)
		for _, w := range pg {
			if w != 0 {
				t.Fatalf("frame %#x not zeroed", pa)
			}
		}
	}
}

func TestDoubleFreeIsDiagnosticOnly(t *testing.T) {
	NewTestPhysmem(4)

	pa, ok := Physmem.AllocPage()
	if !ok {
		t.Fatal("AllocPage failed")
	}
	Physmem.FreePage(pa)
	// a second free of the same frame must not panic or corrupt the
	// bitmap; it only prints a warning.
	Physmem.FreePage(pa)

	reAlloc, ok := Physmem.AllocPage()
	if !ok || reAlloc != pa {
		t.Fatalf("zone state corrupted by double free: realloc = %#x, ok=%v", reAlloc, ok)
	}
}

func TestFreeOutOfRangeIsDiagnosticOnly(t *testing.T) {
	NewTestPhysmem(4)
	// an address nowhere near the test arena's zone must not panic.
	Physmem.FreePage(Pa_t(1 << 40))
}

func TestAllocPagesContiguous(t *testing.T) {
	NewTestPhysmem(16)

	pa, ok := Physmem.AllocPages(4)
	if !ok {
		t.Fatal("AllocPages(4) failed")
	}
	for i := 0; i < 4; i++ {
		frame := pa + Pa_t(i*PGSIZE)
		pg := Dmap(frame)
		for _, w := range pg {
			if w != 0 {
				t.Fatalf("frame %#x of contiguous run not zeroed", frame)
			}
		}
	}
	Physmem.FreePages(pa, 4)
}

func TestAllocHugePageAlignedRun(t *testing.T) {
	NewTestPhysmem(1280)

	pa, ok := Physmem.AllocHugePage()
	if !ok {
		t.Fatal("AllocHugePage failed with 1280 free frames")
	}
	if uint64(pa)%(512*uint64(PGSIZE)) != 0 {
		t.Fatalf("huge page at %#x not 2MiB aligned", pa)
	}

	Physmem.FreePages(pa, 512)
	free := Physmem.FreeCount()
	if free[ZoneDMA32] == 0 {
		t.Fatal("zone lost its frames after huge page round trip")
	}
}

func TestAllocHugePageFailsInTinyZone(t *testing.T) {
	NewTestPhysmem(64)
	if _, ok := Physmem.AllocHugePage(); ok {
		t.Fatal("AllocHugePage should fail when the zone holds under 512 frames")
	}
}

// TestAllocPageNotifiesOOMAndRetries exhausts the test zone, then runs a
// reclaimer goroutine that frees one frame upon receiving the oommsg
// notification and signals Resume; AllocPage must retry and succeed.
func TestAllocPageNotifiesOOMAndRetries(t *testing.T) {
	NewTestPhysmem(4)

	var held []Pa_t
	for {
		pa, ok := Physmem.AllocPage()
		if !ok {
			break
		}
		held = append(held, pa)
	}
	if len(held) == 0 {
		t.Fatal("test zone reports zero free frames")
	}

	reclaimed := make(chan struct{})
	go func() {
		msg := <-oommsg.OomCh
		Physmem.FreePage(held[0])
		msg.Resume <- true
		close(reclaimed)
	}()

	pa, ok := Physmem.AllocPage()
	<-reclaimed
	if !ok {
		t.Fatal("AllocPage should succeed after reclaimer frees a frame")
	}
	if pa != held[0] {
		t.Fatalf("AllocPage returned %#x, want reclaimed frame %#x", pa, held[0])
	}
}

// TestAllocPageGivesUpWithoutReclaimer confirms AllocPage's oommsg notify
// does not block forever when nothing is listening on OomCh.
func TestAllocPageGivesUpWithoutReclaimer(t *testing.T) {
	NewTestPhysmem(2)

	for {
		if _, ok := Physmem.AllocPage(); !ok {
			break
		}
	}
	if _, ok := Physmem.AllocPage(); ok {
		t.Fatal("AllocPage should fail when the zone stays exhausted")
	}
}

// TestPhysInitClassifiesSpanningMap feeds Phys_init a memory map whose
// middle range spans the 16MiB boundary and whose last range sits above
// 4GiB, and checks each zone ends up with the right frames: the sub-1MiB
// range discarded, the 1MiB-128MiB range split across DMA and DMA32, the
// high range wholly in NORMAL. Only the zone bitmaps are touched (they
// live in the early window the test backing covers), so the multi-GiB
// ranges never need real backing.
func TestPhysInitClassifiesSpanningMap(t *testing.T) {
	SetTestBacking(make([]byte, 32<<20), 0)
	defer func() { SetTestBacking(nil, 0) }()
	earlyMu.Lock()
	earlyUsed = [earlyWindowPages / 8]uint8{}
	earlyNext = 0
	earlyMu.Unlock()
	Physmem = &Physmem_t{}

	Phys_init([]MemRange_t{
		{Base: 0x0, Len: 0x100000},
		{Base: 0x100000, Len: 0x7F00000},
		{Base: 0x100000000, Len: 0x200000000},
	})

	free := Physmem.FreeCount()
	if free[ZoneDMA] < 1 {
		t.Fatalf("DMA free = %d, want at least the 1-16MiB portion", free[ZoneDMA])
	}
	wantDMA32 := uint64(0x8000000-0x100000)/uint64(PGSIZE) - 0x1000
	if free[ZoneDMA32] < wantDMA32 {
		t.Fatalf("DMA32 free = %d, want >= %d", free[ZoneDMA32], wantDMA32)
	}
	wantNormal := uint64(0x200000000) / uint64(PGSIZE)
	if free[ZoneNormal] != wantNormal {
		t.Fatalf("NORMAL free = %d, want %d", free[ZoneNormal], wantNormal)
	}

	// the frames the early allocator consumed for these bitmaps must be
	// marked allocated in whichever zone tracks them (the first early
	// frame lands at 1MiB, inside the DMA zone).
	z, idx, ok := Physmem.zoneFor(Pa_t(earlyBase))
	if !ok {
		t.Fatal("1MiB frame not covered by any zone after split")
	}
	if !z.testbit(idx) {
		t.Fatal("early-allocator frame still marked free")
	}
}

func TestClassifyZoneBoundaries(t *testing.T) {
	cases := []struct {
		end  Pa_t
		want ZoneID
	}{
		{dmaLimit, ZoneDMA},
		{dmaLimit + 1, ZoneDMA32},
		{dma32Limit, ZoneDMA32},
		{dma32Limit + 1, ZoneNormal},
	}
	for _, c := range cases {
		if got := classify(c.end); got != c.want {
			t.Fatalf("classify(%#x) = %s, want %s", c.end, got, c.want)
		}
	}
}
