// Package serial implements the byte-at-a-time full-duplex synchronous
// serial transceiver used to talk to a target microcontroller over a
// 4-wire ISP link (data-out, data-in, clock, chip-select/reset).
//
// Two transports share one send(byte) -> byte contract: a hardware shift
// unit with a fixed prescaler ladder, and a software bit-bang fallback
// parameterised by a half-bit delay count. The choice is made once, by
// the caller driving rate negotiation, and is frozen for the session.
package serial

// Line abstracts a single GPIO pin driven or sampled by the engine. It is
// satisfied by board/armory's wrapper around *gpio.Pin, and by the fakes
// in serial_test.go.
type Line interface {
	Out()
	In()
	High()
	Low()
	Get() bool
}

// Clock abstracts the delay-loop primitive the engine spins on between
// clock edges and during reset pulses. A quarter cycle is the atomic
// time unit referenced throughout the rate tables.
type Clock interface {
	SpinQuarterCycles(n uint16)
}

// HardwareUnit abstracts a hardware-accelerated shift register. Boards
// without one pass nil; EnableHardware then reports false, and the engine
// stays in software mode for the life of the session.
type HardwareUnit interface {
	Enable()
	Disable()
	SetPrescaler(divisor int)
	Send(data byte) byte
}

// Pins collects the four signal lines the engine drives. HardwareSelect
// is the hardware peripheral's own dedicated slave-select line, present
// only on boards with a HardwareUnit whose select pin differs from the
// general purpose Select line used in software mode; it is left nil
// otherwise.
type Pins struct {
	Out            Line
	In             Line
	Clock          Line
	Select         Line
	HardwareSelect Line
}

// Mode selects which transport Send uses.
type Mode int

const (
	ModeSoftware Mode = iota
	ModeHardware
)

// HardwarePrescalers is the rate ladder negotiated in hardware mode,
// slowest first. Indices are stepped one at a time; the ladder is a
// simplification of the two-bit AVR SPI prescaler encoding into five
// evenly-spaced steps, since this firmware does not target AVR SPI
// hardware directly.
var HardwarePrescalers = [...]int{128, 64, 32, 16, 8}

// Engine is the serial engine singleton described by the session: a
// transport mode plus whatever delay value that mode requires.
type Engine struct {
	pins  Pins
	hw    HardwareUnit
	clock Clock

	mode  Mode
	delay uint16

	prescalerIndex int
}

// New builds an engine over the given pins and clock. hw may be nil on
// boards with no hardware shift unit, in which case EnableHardware
// reports false and the engine stays in software mode.
func New(pins Pins, hw HardwareUnit, clock Clock) *Engine {
	return &Engine{pins: pins, hw: hw, clock: clock}
}

// Enable configures the four signal lines and asserts target reset.
// Data-out, clock and chip-select are driven outputs; data-in is a
// high-impedance input. Chip-select is raised, clock and data-out are
// lowered, then chip-select is dropped, asserting reset on the target.
func (e *Engine) Enable() {
	e.pins.Out.Out()
	e.pins.Clock.Out()
	e.pins.Select.Out()
	e.pins.In.In()

	e.pins.Select.High()
	e.pins.Clock.Low()
	e.pins.Out.Low()

	if e.pins.HardwareSelect != nil && e.pins.HardwareSelect != e.pins.Select {
		e.pins.HardwareSelect.In()
		e.pins.HardwareSelect.High()
	}

	e.pins.Select.Low()
}

// Disable releases the hardware shift unit if one is in use and
// tri-states all four pins, clearing their output latches first.
func (e *Engine) Disable() {
	if e.mode == ModeHardware && e.hw != nil {
		e.hw.Disable()
	}

	for _, l := range []Line{e.pins.Out, e.pins.Clock, e.pins.Select, e.pins.In} {
		l.Low()
		l.In()
	}

	e.mode = ModeSoftware
	e.prescalerIndex = 0
}

// EnableHardware switches the engine into hardware mode at the slowest
// prescaler. It is a no-op if no HardwareUnit was wired for this board.
func (e *Engine) EnableHardware() bool {
	if e.hw == nil {
		return false
	}

	e.mode = ModeHardware
	e.prescalerIndex = 0
	e.hw.Enable()
	e.hw.SetPrescaler(HardwarePrescalers[0])

	return true
}

// DisableHardware drops back to software mode without touching pin
// configuration, used when hardware-mode rate negotiation fails outright
// and the driver falls back to bit-banging.
func (e *Engine) DisableHardware() {
	if e.mode == ModeHardware && e.hw != nil {
		e.hw.Disable()
	}

	e.mode = ModeSoftware
}

// StepPrescaler advances the hardware ladder one level and reports
// whether there was a next level to move to.
func (e *Engine) StepPrescaler() bool {
	if e.prescalerIndex+1 >= len(HardwarePrescalers) {
		return false
	}

	e.prescalerIndex++
	e.hw.SetPrescaler(HardwarePrescalers[e.prescalerIndex])

	return true
}

// BackOffPrescaler reverts to the previous (slower) ladder level, used
// when the current level fails its probe.
func (e *Engine) BackOffPrescaler() {
	if e.prescalerIndex > 0 {
		e.prescalerIndex--
	}

	e.hw.SetPrescaler(HardwarePrescalers[e.prescalerIndex])
}

// SetSoftwareDelay fixes the half-bit delay used by Send in software
// mode and switches the engine into software mode.
func (e *Engine) SetSoftwareDelay(delay uint16) {
	e.mode = ModeSoftware
	e.delay = delay
}

// Delay returns the engine's current delay value, in the units of
// serial-engine state described by the session: half-bit count in
// software mode, reset-pulse spacing in hardware mode.
func (e *Engine) Delay() uint16 {
	return e.delay
}

// Mode reports the engine's current transport.
func (e *Engine) Mode() Mode {
	return e.mode
}

// Send transfers one byte, most-significant-bit first, full duplex,
// mode-0 timing (idle-low clock, sample on the rising edge).
func (e *Engine) Send(data byte) byte {
	if e.mode == ModeHardware && e.hw != nil {
		return e.hw.Send(data)
	}

	return e.sendSoftware(data)
}

// sendSoftware bit-bangs one byte. Data-in is sampled before the rising
// clock edge on every iteration; this phasing must be preserved exactly
// to stay wire-compatible with hosts that expect it.
func (e *Engine) sendSoftware(data byte) byte {
	var recv byte

	for i := 0; i < 8; i++ {
		if data&0x80 != 0 {
			e.pins.Out.High()
		} else {
			e.pins.Out.Low()
		}

		recv <<= 1
		if e.pins.In.Get() {
			recv |= 1
		}

		e.pins.Clock.High()
		e.clock.SpinQuarterCycles(e.delay)

		e.pins.Clock.Low()
		e.clock.SpinQuarterCycles(e.delay)

		data <<= 1
	}

	return recv
}

// ResetPulse releases target reset briefly and re-asserts it: clock is
// dropped, chip-select raised for 2*delay quarter-cycles, then dropped
// again.
func (e *Engine) ResetPulse() {
	e.pins.Clock.Low()
	e.pins.Select.High()
	e.clock.SpinQuarterCycles(2 * e.delay)
	e.pins.Select.Low()
}
