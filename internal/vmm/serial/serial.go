// Package serial implements an 8250-compatible UART as a port-IO device for
// early guest console output (§4.3).
package serial

import "sync"

// Port base and register offsets for the first serial port (COM1).
const (
	Base = 0x3F8

	regRXTX  = 0 // DLAB=0: data register
	regIER   = 1 // DLAB=0: interrupt enable
	regDLL   = 0 // DLAB=1: divisor latch low
	regDLM   = 1 // DLAB=1: divisor latch high
	regIIR   = 2
	regLCR   = 3
	regMCR   = 4
	regLSR   = 5
	regMSR   = 6
	regSCR   = 7
)

const (
	lsrDR   = 1 << 0 // data ready
	lsrTHRE = 1 << 5 // transmit holding register empty
	lsrTEMT = 1 << 6 // transmitter empty
	lcrDLAB = 1 << 7
)

// UART is an 8250-compatible serial port. Writes to the transmit register
// are forwarded byte-by-byte to TxQueue so host code can collect early boot
// output; reads are served from an input queue fed by PushInput.
type UART struct {
	mu  sync.Mutex
	ier byte
	lcr byte
	mcr byte
	dll byte
	dlm byte
	scr byte

	rxQueue []byte // pending input, oldest first

	TxQueue chan byte // transmitted bytes, one per write
}

// New creates a UART with a buffered output channel.
func New() *UART {
	return &UART{TxQueue: make(chan byte, 4096)}
}

// PushInput enqueues guest-bound input bytes (host -> guest console).
func (u *UART) PushInput(b []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rxQueue = append(u.rxQueue, b...)
}

// In services an IO_IN exit for an offset in [0,7] relative to Base.
func (u *UART) In(offset uint16, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(data) == 0 {
		return nil
	}

	switch offset {
	case regDLL:
		if u.lcr&lcrDLAB != 0 {
			data[0] = u.dll
			return nil
		}
		if len(u.rxQueue) > 0 {
			data[0] = u.rxQueue[0]
			u.rxQueue = u.rxQueue[1:]
		} else {
			data[0] = 0
		}
	case regDLM:
		if u.lcr&lcrDLAB != 0 {
			data[0] = u.dlm
			return nil
		}
		data[0] = u.ier
	case regIIR:
		data[0] = 0x01 // no interrupt pending
	case regLCR:
		data[0] = u.lcr
	case regMCR:
		data[0] = u.mcr
	case regLSR:
		lsr := byte(lsrTHRE | lsrTEMT)
		if len(u.rxQueue) > 0 {
			lsr |= lsrDR
		}
		data[0] = lsr
	case regMSR:
		data[0] = 0xB0 // CTS|DSR|DCD asserted, no modem
	case regSCR:
		data[0] = u.scr
	default:
		data[0] = 0xFF
	}
	return nil
}

// Out services an IO_OUT exit for an offset in [0,7] relative to Base.
func (u *UART) Out(offset uint16, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	u.mu.Lock()
	dlab := u.lcr&lcrDLAB != 0
	switch offset {
	case regDLL:
		if dlab {
			u.dll = data[0]
			u.mu.Unlock()
			return nil
		}
		b := data[0]
		u.mu.Unlock()
		select {
		case u.TxQueue <- b:
		default:
		}
		return nil
	case regDLM:
		if dlab {
			u.dlm = data[0]
		} else {
			u.ier = data[0]
		}
	case regLCR:
		u.lcr = data[0]
	case regMCR:
		u.mcr = data[0]
	case regSCR:
		u.scr = data[0]
	default:
		// IIR/LSR/MSR are read-only; writes are dropped.
	}
	u.mu.Unlock()
	return nil
}
