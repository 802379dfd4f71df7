// Package usbasp implements the USBasp-compatible command dispatcher:
// the USB-facing session state machine that translates control and
// bulk callbacks into calls against an ISP protocol driver.
package usbasp

// Mode is the streaming operation currently in progress, if any.
type Mode int

const (
	ModeIdle Mode = iota
	ModeReadFlash
	ModeWriteFlash
	ModeReadEEPROM
	ModeWriteEEPROM
)

// AddressMode selects whether address is reloaded from each request's
// address field (legacy) or preserved across requests (extended).
type AddressMode int

const (
	AddressLegacy AddressMode = iota
	AddressExtended
)

// Block flag bits packed into the low nibble of WRITEFLASH's wIndex high
// byte.
const (
	BlockFlagFirst = 1 << 0
	BlockFlagLast  = 1 << 1
)

// USBasp vendor request codes (bRequest values).
const (
	FuncConnect        = 1
	FuncDisconnect     = 2
	FuncTransmit       = 3
	FuncReadFlash      = 4
	FuncEnableProg     = 5
	FuncWriteFlash     = 6
	FuncReadEEPROM     = 7
	FuncWriteEEPROM    = 8
	FuncSetLongAddress = 9
	FuncSetISPSCK      = 10
	// FuncEcho is a diagnostic loopback: wValue echoed back byte for
	// byte, untouched by and untouching any session state. The
	// reference firmware ships it behind a build flag; here it is
	// always compiled in.
	FuncEcho = 0x17
)

// Session is the singleton session state: which streaming operation is
// in progress, the running target address, and the bookkeeping needed
// to resume a page-buffered flash write across USB packets.
type Session struct {
	Mode        Mode
	Address     uint16
	AddressMode AddressMode
	ByteCount   uint16
	PageSize    uint16
	PageCounter uint16
	BlockFlags  uint8
	Freq        byte
}

// reset returns the session to its CONNECT-time state.
func (s *Session) reset() {
	*s = Session{}
}
