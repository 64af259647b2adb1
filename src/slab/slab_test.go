package slab

import (
	"testing"
	"unsafe"

	"mem"
)

// freshPhysmem gives the slab allocator a backing zone it hasn't touched
// before, isolating each test from the others' allocations.
func freshPhysmem(t *testing.T, pages uint64) {
	t.Helper()
	mem.NewTestPhysmem(pages)
}

func TestKmallocZero(t *testing.T) {
	freshPhysmem(t, 4)
	if p := Kmalloc(0); p != nil {
		t.Fatalf("Kmalloc(0) = %p, want nil", p)
	}
}

func TestKmallocClassBoundary(t *testing.T) {
	if classFor(2048) != 7 {
		t.Fatalf("2048 should pick the 2048 class, got class %d", classFor(2048))
	}
	if classFor(2049) != -1 {
		t.Fatalf("2049 should miss every class, got %d", classFor(2049))
	}
	if classFor(1) != 0 {
		t.Fatalf("1 should pick the 16-byte class, got %d", classFor(1))
	}
}

func TestSlabHeaderMagic(t *testing.T) {
	freshPhysmem(t, 4)
	p := Kmalloc(64)
	if p == nil {
		t.Fatal("Kmalloc(64) returned nil")
	}
	h := (*header)(unsafe.Add(p, -headerSize))
	if h.magic != Magic {
		t.Fatalf("header magic = %#x, want %#x", h.magic, Magic)
	}
}

// TestSlabLIFOReuse: ten Kmalloc(64) return ten distinct pointers;
// freeing all ten then allocating ten more returns exactly the same ten
// pointers, in LIFO order.
func TestSlabLIFOReuse(t *testing.T) {
	freshPhysmem(t, 4)

	const n = 10
	var ptrs [n]unsafe.Pointer
	seen := map[unsafe.Pointer]bool{}
	for i := 0; i < n; i++ {
		p := Kmalloc(64)
		if p == nil {
			t.Fatalf("Kmalloc(64) #%d returned nil", i)
		}
		if seen[p] {
			t.Fatalf("Kmalloc(64) #%d returned a pointer already handed out", i)
		}
		seen[p] = true
		ptrs[i] = p
	}

	for i := n - 1; i >= 0; i-- {
		Kfree(ptrs[i])
	}

	for i := 0; i < n; i++ {
		p := Kmalloc(64)
		if p != ptrs[i] {
			t.Fatalf("reuse #%d = %p, want LIFO order to hand back %p", i, p, ptrs[i])
		}
	}
}

func TestKfreeBadPointerIsDiagnosticOnly(t *testing.T) {
	freshPhysmem(t, 4)
	var junk [64]byte
	// Kfree of an address this heap never allocated must not panic or
	// corrupt any cache's free list; it only prints a warning.
	Kfree(unsafe.Pointer(&junk[32]))

	p := Kmalloc(64)
	if p == nil {
		t.Fatal("allocator state corrupted by bad Kfree")
	}
}

// TestLargeAllocRoundTrip exercises the >2048-byte path: no header, size
// recovered from the sidecar table keyed by base PFN.
func TestLargeAllocRoundTrip(t *testing.T) {
	freshPhysmem(t, 16)

	p := Kmalloc(mem.PGSIZE + 1)
	if p == nil {
		t.Fatal("Kmalloc(PGSIZE+1) returned nil")
	}
	pfn := pfnOf(dmapToPhys(p))
	if _, ok := largeAllocs[pfn]; !ok {
		t.Fatal("large allocation not recorded in sidecar table")
	}
	Kfree(p)
	if _, ok := largeAllocs[pfn]; ok {
		t.Fatal("Kfree did not clear the sidecar entry")
	}
}
