// Package console implements the kernel's early text-mode diagnostic
// output, the kprintf-equivalent every other package in this tree calls
// for logging instead of talking to the VGA buffer directly.
package console

import (
	"sync"
	"unsafe"
)

const (
	width  = 80
	height = 25
)

/// vgaAttr is the default white-on-black text attribute byte.
const vgaAttr uint16 = 0x0700

/// cell maps one VGA text-mode character cell: low byte glyph, high byte
/// attribute.
type cell = uint16

var (
	mu     sync.Mutex
	cursX  int
	cursY  int
	buf    *[height * width]cell
	fbSet  bool
	fbBuf  []byte
	fbW    uint32
	fbH    uint32
	fbPitc uint32
	fbBpp  uint32
)

/// EarlyInit points the console at the legacy VGA text buffer at its
/// canonical higher-half virtual address and blanks the screen.
func EarlyInit(vgaVirt uintptr) {
	mu.Lock()
	defer mu.Unlock()
	buf = (*[height * width]cell)(unsafe.Pointer(vgaVirt))
	for i := range buf {
		buf[i] = vgaAttr | ' '
	}
	cursX, cursY = 0, 0
}

/// SetFramebuffer records a linear framebuffer for later use by a richer
/// renderer; nothing draws to it yet.
func SetFramebuffer(fb []byte, w, h, pitch, bpp uint32) {
	mu.Lock()
	defer mu.Unlock()
	fbBuf, fbW, fbH, fbPitc, fbBpp = fb, w, h, pitch, bpp
	fbSet = true
}

func putc(c byte) {
	switch c {
	case '\n':
		cursX = 0
		cursY++
	case '\r':
		cursX = 0
	case '\t':
		cursX = (cursX + 4) &^ 3
	default:
		if buf != nil {
			buf[cursY*width+cursX] = vgaAttr | cell(c)
		}
		cursX++
	}
	if cursX >= width {
		cursX = 0
		cursY++
	}
	if cursY >= height {
		scroll()
		cursY = height - 1
	}
}

func scroll() {
	if buf == nil {
		return
	}
	copy(buf[0:(height-1)*width], buf[width:height*width])
	for i := (height - 1) * width; i < height*width; i++ {
		buf[i] = vgaAttr | ' '
	}
}

func writeString(s string) {
	for i := 0; i < len(s); i++ {
		putc(s[i])
	}
}

/// Printf formats according to a small, kprintf-compatible subset of verbs
/// — %s %d %i %u %x %lx %lu %p %c %% — and writes the result to the text
/// console (and, if set, would drive the linear framebuffer renderer).
/// Unrecognized verbs are copied through verbatim so a malformed format
/// string never panics the kernel.
func Printf(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()

	ai := 0
	next := func() interface{} {
		if ai < len(args) {
			v := args[ai]
			ai++
			return v
		}
		return nil
	}

	i := 0
	for i < len(format) {
		c := format[i]
		if c != '%' || i+1 >= len(format) {
			putc(c)
			i++
			continue
		}
		i++
		verb := format[i]
		// consume the "l" length modifier (%lx, %lu).
		if verb == 'l' && i+1 < len(format) {
			i++
			verb = format[i]
			switch verb {
			case 'x':
				writeString(formatHex(next()))
			case 'u':
				writeString(formatUint(next()))
			default:
				putc('%')
				putc('l')
				putc(verb)
			}
			i++
			continue
		}
		switch verb {
		case 's':
			if s, ok := next().(string); ok {
				writeString(s)
			}
		case 'd', 'i':
			writeString(formatInt(next()))
		case 'u':
			writeString(formatUint(next()))
		case 'x':
			writeString(formatHex(next()))
		case 'p':
			writeString("0x" + formatHex(next()))
		case 'c':
			switch v := next().(type) {
			case byte:
				putc(v)
			case rune:
				putc(byte(v))
			}
		case '%':
			putc('%')
		default:
			putc('%')
			putc(verb)
		}
		i++
	}
}

func formatInt(v interface{}) string {
	n := toInt64(v)
	neg := n < 0
	if neg {
		n = -n
	}
	s := formatUint64(uint64(n))
	if neg {
		return "-" + s
	}
	return s
}

func formatUint(v interface{}) string {
	return formatUint64(toUint64(v))
}

func formatHex(v interface{}) string {
	n := toUint64(v)
	if n == 0 {
		return "0"
	}
	const digits = "0123456789abcdef"
	var b [16]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = digits[n&0xf]
		n >>= 4
	}
	return string(b[i:])
}

func formatUint64(n uint64) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	default:
		return int64(toUint64(v))
	}
}

func toUint64(v interface{}) uint64 {
	switch n := v.(type) {
	case uint:
		return uint64(n)
	case uint8:
		return uint64(n)
	case uint16:
		return uint64(n)
	case uint32:
		return uint64(n)
	case uint64:
		return n
	case uintptr:
		return uint64(n)
	case unsafe.Pointer:
		return uint64(uintptr(n))
	case int:
		return uint64(n)
	case int32:
		return uint64(n)
	case int64:
		return uint64(n)
	default:
		return 0
	}
}
