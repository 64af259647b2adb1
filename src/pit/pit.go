// Package pit drives the 8253/8254 Programmable Interval Timer's
// channel 0 as a busy-wait delay source: program a one-shot countdown,
// then poll the latched count until it reaches zero, all with
// interrupts disabled so nothing preempts the wait.
package pit

import "cpu"

const (
	freqHz  = 1193182
	cmdPort = 0x43
	ch0Port = 0x40

	// mode 0 (interrupt on terminal count), channel 0, lobyte/hibyte access.
	modeChannel0LoHi = 0x30
	latchChannel0    = 0x00
)

// DisableInterruptsFn/EnableInterruptsFn/OutbFn/InbFn indirect the
// privileged instructions Wait needs, defaulting to the real cpu package
// and overridable by tests the same way proc/vm/apic are.
var (
	DisableInterruptsFn = cpu.DisableInterrupts
	EnableInterruptsFn  = cpu.EnableInterrupts
	OutbFn              = cpu.Outb
	InbFn               = cpu.Inb
)

// Wait busy-waits for approximately ms milliseconds using PIT channel
// 0.
func Wait(ms uint32) {
	DisableInterruptsFn()
	defer EnableInterruptsFn()

	reload := uint16((uint64(freqHz) * uint64(ms)) / 1000)
	if reload == 0 {
		reload = 1
	}

	OutbFn(cmdPort, modeChannel0LoHi)
	OutbFn(ch0Port, uint8(reload))
	OutbFn(ch0Port, uint8(reload>>8))

	// poll the latched count until it stops decreasing: in mode 0 the
	// counter parks at zero once the terminal count is reached, which the
	// latch reads back as a value no smaller than our last observation.
	count := uint32(reload)
	for count > 0 {
		OutbFn(cmdPort, latchChannel0)
		lo := uint32(InbFn(ch0Port))
		hi := uint32(InbFn(ch0Port))
		current := lo | hi<<8
		if current == 0 {
			current = 0x10000
		}
		if current > count {
			break
		}
		count = current
	}
}
