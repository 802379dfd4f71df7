// Package simtarget provides a pure Go simulated target MCU: a fake that
// implements the same 4-wire byte-transceiver contract the serial engine
// drives, so the ISP driver and command dispatcher can be exercised in
// host-run tests without real silicon or real GPIO pins.
//
// It understands programming-mode entry via magic bytes, word-addressed
// flash with the high/low byte selector, byte-addressed EEPROM, and
// records every commit so page-boundary tests can assert on it directly.
package simtarget

// Target is a simulated AVR-class target MCU. It satisfies both the
// serial-engine contract the command dispatcher enables/disables
// directly, and the lower-level send/reset contract the ISP driver
// issues commands over.
type Target struct {
	Flash  [1 << 16]byte
	EEPROM [1 << 16]byte

	// ResetAsserted mirrors the target's reset line as driven by Enable,
	// Disable and ResetPulse.
	ResetAsserted bool

	// Frames records every completed 4-byte command frame, in the order
	// seen, for wire-sequence assertions.
	Frames [][4]byte

	// Commits counts commit_flash_page calls by the word address they
	// targeted, for page-boundary assertions.
	Commits map[uint16]int

	buf [4]byte
	pos int
}

// NewTarget returns a target with reset asserted, as it is immediately
// after Enable.
func NewTarget() *Target {
	return &Target{ResetAsserted: true, Commits: map[uint16]int{}}
}

// Enable and Disable satisfy the dispatcher's SerialEngine contract.
func (t *Target) Enable()  { t.ResetAsserted = true }
func (t *Target) Disable() { t.ResetAsserted = false }

// ResetPulse satisfies the ISP driver's Engine contract: it briefly
// releases reset and re-asserts it, as a real serial engine would
// during the magic-bytes probe.
func (t *Target) ResetPulse() {
	t.ResetAsserted = false
	t.ResetAsserted = true
}

// EnableHardware, DisableHardware, StepPrescaler, BackOffPrescaler and
// SetSoftwareDelay round out the ISP driver's Engine contract. The
// simulated target responds identically regardless of transport, so
// hardware mode always "succeeds" and the prescaler ladder has nothing
// to step through.
func (t *Target) EnableHardware() bool     { return true }
func (t *Target) DisableHardware()         {}
func (t *Target) StepPrescaler() bool      { return false }
func (t *Target) BackOffPrescaler()        {}
func (t *Target) SetSoftwareDelay(_ uint16) {}

// Send feeds one byte of a 4-byte ISP command frame and returns the
// target's response byte for that position. In a programming-enable
// frame (0xAC 0x53 ...) the third byte echoes 0x53. Otherwise only the
// fourth byte of each frame carries a meaningful response; the first
// three echo zero, matching a target that has nothing to say until the
// command and its address are fully clocked in.
func (t *Target) Send(b byte) byte {
	t.buf[t.pos] = b

	var resp byte
	if t.pos == 2 && t.buf[0] == 0xAC && t.buf[1] == 0x53 {
		resp = 0x53
	}
	if t.pos == 3 {
		resp = t.execute(b)
		frame := t.buf
		t.Frames = append(t.Frames, frame)
	}

	t.pos = (t.pos + 1) % 4

	return resp
}

func (t *Target) execute(last byte) byte {
	cmd, b1, b2 := t.buf[0], t.buf[1], t.buf[2]

	switch {
	case cmd == 0xAC && b1 == 0x53 && b2 == 0x00:
		return 0x53
	case cmd == 0xF0:
		return 0
	case cmd&^0x08 == 0x20:
		addr := wordAddr(b1, b2)<<1 | uint16(cmd>>3&1)
		return t.Flash[addr]
	case cmd == 0xA0:
		return t.EEPROM[wordAddr(b1, b2)]
	case cmd == 0xC0:
		t.EEPROM[wordAddr(b1, b2)] = last
		return 0
	case cmd&^0x08 == 0x40:
		addr := wordAddr(b1, b2)<<1 | uint16(cmd>>3&1)
		t.Flash[addr] = last
		return 0
	case cmd == 0x4C:
		t.Commits[wordAddr(b1, b2)]++
		return 0
	}

	return 0
}

func wordAddr(hi, lo byte) uint16 {
	return uint16(hi)<<8 | uint16(lo)
}
