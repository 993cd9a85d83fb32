// Package hal provides the minimal hardware abstraction this kernel needs:
// a single early-output sink wired into kfmt before any other subsystem is
// up. There is no driver registry and no console/TTY framework; serial
// output is the only supported sink, per the boot contract.
package hal

import (
	"nestedkernel/kernel/cpu"
	"nestedkernel/kernel/kfmt"
)

const (
	com1Port      = 0x3f8
	uartLineIdle  = 0x20
	uartLineReady = uartLineIdle
)

// SerialSink writes bytes to the COM1 UART one at a time, polling the line
// status register so it never overruns the transmit holding register. It
// implements io.Writer via Write so it can be installed as the kfmt output
// sink.
type SerialSink struct{}

// Init programs the COM1 UART for 115200 8N1 with FIFOs enabled, matching
// the minimal setup a BIOS/UEFI serial console expects after a multiboot2
// handoff.
func (SerialSink) Init() {
	cpu.Out8(com1Port+1, 0x00) // disable interrupts
	cpu.Out8(com1Port+3, 0x80) // enable DLAB
	cpu.Out8(com1Port+0, 0x01) // divisor low byte: 115200 baud
	cpu.Out8(com1Port+1, 0x00) // divisor high byte
	cpu.Out8(com1Port+3, 0x03) // 8 bits, no parity, one stop bit
	cpu.Out8(com1Port+2, 0xc7) // enable + clear FIFO, 14-byte threshold
	cpu.Out8(com1Port+4, 0x0b) // IRQs disabled, RTS/DSR set
}

// Write implements io.Writer.
func (s SerialSink) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			s.putByte('\r')
		}
		s.putByte(b)
	}
	return len(p), nil
}

func (SerialSink) putByte(b byte) {
	for cpu.In8(com1Port+5)&uartLineReady == 0 {
	}
	cpu.Out8(com1Port, b)
}

// InitEarlyOutput programs the serial sink and attaches it to kfmt so that
// Printf/Panic have somewhere to write from the very first instruction that
// calls them.
func InitEarlyOutput() {
	sink := SerialSink{}
	sink.Init()
	kfmt.SetOutputSink(sink)
}
