// Package slab implements the kernel heap: a small set of fixed
// size-class caches layered over the PMM, each an intrusive LIFO free
// list of magic-tagged object headers. Requests wider than the largest
// class fall back to whole-page allocation.
package slab

import (
	"sync"
	"unsafe"

	"console"
	"mem"
)

/// Magic tags the header of a live slab object. Kfree trusts a pointer's
/// preceding header only when this value is present; anything else is
/// routed to the large-allocation path, which resolves via the sidecar
/// table below rather than by trusting attacker- or bug-corrupted memory.
const Magic uint32 = 0xDEADBEEF

/// classSizes are the eight power-of-two size classes this heap serves
/// directly; anything larger takes the whole-page path.
var classSizes = [8]int{16, 32, 64, 128, 256, 512, 1024, 2048}

const maxClass = 2048

/// header precedes every pointer kmalloc hands out of a size-class cache.
type header struct {
	next  *header
	magic uint32
	class uint8
}

var headerSize = int(unsafe.Sizeof(header{}))

type classCache struct {
	free  *header
	nfree int
}

// A single global lock serializes all allocator state, size-class free
// lists and the large-allocation sidecar table alike.
var (
	mu          sync.Mutex
	caches      [8]classCache
	largeAllocs = map[uint64]int{} // base PFN -> page count
)

func classFor(size int) int {
	for i, s := range classSizes {
		if size <= s {
			return i
		}
	}
	return -1
}

/// Kmalloc returns a pointer to size bytes, or nil for size == 0 or when
/// the allocator has no memory left to serve the request. Requests larger
/// than the largest size class are rounded up to whole pages and served
/// directly by the PMM; they carry no header, so their page count is
/// recorded in largeAllocs keyed by base PFN, where Kfree can recover
/// it.
func Kmalloc(size int) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	if ci := classFor(size); ci >= 0 {
		return kmallocClass(ci)
	}
	return kmallocLarge(size)
}

func kmallocClass(ci int) unsafe.Pointer {
	mu.Lock()
	defer mu.Unlock()

	c := &caches[ci]
	if c.free == nil && !refill(c, ci) {
		return nil
	}
	h := c.free
	c.free = h.next
	c.nfree--
	h.next = nil
	h.magic = Magic
	h.class = uint8(ci)
	return unsafe.Add(unsafe.Pointer(h), headerSize)
}

// refill carves a freshly allocated PMM page into PGSIZE/class objects and
// chains them onto the cache's free list.
func refill(c *classCache, ci int) bool {
	pa, ok := mem.Physmem.AllocPage()
	if !ok {
		return false
	}
	class := classSizes[ci]
	base := uintptr(unsafe.Pointer(mem.Dmap(pa)))
	n := mem.PGSIZE / class
	for i := n - 1; i >= 0; i-- {
		h := (*header)(unsafe.Pointer(base + uintptr(i*class)))
		h.next = c.free
		c.free = h
		c.nfree++
	}
	return true
}

func kmallocLarge(size int) unsafe.Pointer {
	pages := (size + mem.PGSIZE - 1) / mem.PGSIZE
	pa, ok := mem.Physmem.AllocPages(pages)
	if !ok {
		return nil
	}
	mu.Lock()
	largeAllocs[pfnOf(pa)] = pages
	mu.Unlock()
	return unsafe.Pointer(mem.Dmap(pa))
}

/// Kfree returns ptr, previously returned by Kmalloc, to the allocator. A
/// nil ptr is a no-op. If the header immediately preceding ptr carries the
/// live magic, the object rejoins its size class's free list; otherwise it
/// is assumed to be a large allocation and looked up in largeAllocs. An
/// address this heap never allocated gets a printed warning and nothing
/// is mutated.
func Kfree(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	h := (*header)(unsafe.Add(ptr, -headerSize))

	mu.Lock()
	if h.magic == Magic {
		ci := int(h.class)
		h.next = caches[ci].free
		caches[ci].free = h
		caches[ci].nfree++
		mu.Unlock()
		return
	}
	pa := dmapToPhys(ptr)
	pages, ok := largeAllocs[pfnOf(pa)]
	if ok {
		delete(largeAllocs, pfnOf(pa))
	}
	mu.Unlock()

	if !ok {
		console.Printf("slab: kfree of bad pointer %p\n", ptr)
		return
	}
	mem.Physmem.FreePages(pa, pages)
}

func pfnOf(pa mem.Pa_t) uint64 {
	return uint64(pa) >> mem.PGSHIFT
}

func dmapToPhys(ptr unsafe.Pointer) mem.Pa_t {
	return mem.DmapToPhys(ptr)
}
