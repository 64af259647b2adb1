// Package multiboot parses the Multiboot2 information structure the
// boot loader hands the kernel: a tag stream whose memory-map entries
// feed mem.Phys_init as a list of (base, length, available) ranges.
package multiboot

import (
	"encoding/binary"
	"errors"
)

// TagType names a Multiboot2 info tag. Only END, MMAP, and the ACPI
// old/new RSDP tags are recognized; everything else is skipped via its
// size field.
type TagType uint32

const (
	TagEnd       TagType = 0
	TagMemoryMap TagType = 6
	TagACPIOld   TagType = 14
	TagACPINew   TagType = 15
)

// MemEntryType mirrors the Multiboot2 memory map entry type field.
type MemEntryType uint32

const (
	MemAvailable       MemEntryType = 1
	MemReserved        MemEntryType = 2
	MemACPIReclaimable MemEntryType = 3
	MemNVS             MemEntryType = 4
)

// MemRegion is one entry from the MMAP tag.
type MemRegion struct {
	Base   uint64
	Length uint64
	Type   MemEntryType
}

// Info is everything ParseInfo extracts from the tag stream.
type Info struct {
	Regions     []MemRegion
	ACPIOldRSDP []byte
	ACPINewRSDP []byte
}

// readerFn fetches n bytes starting at physical address addr. Production
// code (via SetReader, called once by the boot glue) reads through the
// identity-mapped low physical window the Multiboot info struct is
// delivered in; tests install a reader over an ordinary Go byte slice,
// the same indirection mem's test arena and console's SetBacking use for
// hardware-only memory.
var readerFn func(addr uintptr, n int) []byte

// SetReader installs the function ParseInfo uses to read raw bytes.
func SetReader(f func(addr uintptr, n int) []byte) { readerFn = f }

// BufReader builds a reader over an in-memory buffer representing
// physical addresses [base, base+len(buf)) — the standard way tests (and
// anything else without real physical memory) exercise ParseInfo.
func BufReader(buf []byte, base uintptr) func(uintptr, int) []byte {
	return func(addr uintptr, n int) []byte {
		off := int64(addr) - int64(base)
		if off < 0 || off+int64(n) > int64(len(buf)) {
			return nil
		}
		return buf[off : off+int64(n)]
	}
}

var (
	errNoReader  = errors.New("multiboot: no reader installed")
	errShortRead = errors.New("multiboot: short read, info struct truncated")
)

func align8(n uint32) uint32 { return (n + 7) &^ 7 }

// ParseInfo walks the Multiboot2 tag stream starting at physAddr,
// collecting memory map entries and any ACPI RSDP tags in one eager
// pass.
func ParseInfo(physAddr uintptr) (*Info, error) {
	if readerFn == nil {
		return nil, errNoReader
	}
	hdr := readerFn(physAddr, 8)
	if hdr == nil {
		return nil, errShortRead
	}
	totalSize := binary.LittleEndian.Uint32(hdr[0:4])

	info := &Info{}
	pos := uintptr(8)
	for pos < uintptr(totalSize) {
		th := readerFn(physAddr+pos, 8)
		if th == nil {
			return nil, errShortRead
		}
		tagType := TagType(binary.LittleEndian.Uint32(th[0:4]))
		size := binary.LittleEndian.Uint32(th[4:8])
		if tagType == TagEnd {
			break
		}
		if size < 8 {
			return nil, errShortRead
		}

		body := readerFn(physAddr+pos+8, int(size-8))
		if body == nil {
			return nil, errShortRead
		}

		switch tagType {
		case TagMemoryMap:
			if err := parseMMAP(body, info); err != nil {
				return nil, err
			}
		case TagACPIOld:
			info.ACPIOldRSDP = append([]byte(nil), body...)
		case TagACPINew:
			info.ACPINewRSDP = append([]byte(nil), body...)
		}

		pos += uintptr(align8(size))
	}
	return info, nil
}

// parseMMAP decodes the MMAP tag body: an 8-byte (entrySize,
// entryVersion) sub-header followed by entrySize-stride entries, each
// starting with {base uint64, length uint64, type uint32}.
func parseMMAP(body []byte, info *Info) error {
	if len(body) < 8 {
		return errShortRead
	}
	entrySize := binary.LittleEndian.Uint32(body[0:4])
	if entrySize < 24 {
		return errShortRead
	}
	for off := 8; off+int(entrySize) <= len(body); off += int(entrySize) {
		e := body[off : off+int(entrySize)]
		base := binary.LittleEndian.Uint64(e[0:8])
		length := binary.LittleEndian.Uint64(e[8:16])
		typ := MemEntryType(binary.LittleEndian.Uint32(e[16:20]))
		if typ == 0 || typ > MemNVS {
			typ = MemReserved
		}
		info.Regions = append(info.Regions, MemRegion{Base: base, Length: length, Type: typ})
	}
	return nil
}
