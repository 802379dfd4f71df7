// Package armory wires the ISP signal lines, status LEDs, and timing
// primitive for the USB armory Mk II board variant of this firmware.
// Pin assignment here is a compile-time constant set, as spec'd: this is
// the only package that knows the hardware's port/bit layout.
package armory

import (
	"time"

	"github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/gpio"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/lochraster/usbisp/internal/isp"
	"github.com/lochraster/usbisp/internal/serial"
)

// CPUHz is the ARM core clock this firmware runs at, used to convert
// SETISPSCK rate codes and reset-pulse spacing into delay-loop counts.
const CPUHz = 528_000_000

// ISP signal line assignment on the USB armory Mk II expansion header,
// all on GPIO bank 1.
const (
	pinDataOut    = 16
	pinDataIn     = 17
	pinClock      = 18
	pinChipSelect = 19
)

// line adapts *gpio.Pin to internal/serial.Line.
type line struct {
	pin *gpio.Pin
}

func (l line) Out()      { l.pin.Out() }
func (l line) In()       { l.pin.In() }
func (l line) High()     { l.pin.High() }
func (l line) Low()      { l.pin.Low() }
func (l line) Get() bool { return l.pin.Value() }

// spinClock implements internal/serial.Clock by sleeping a number of
// quarter-cycle units at the board's core clock. This board has no
// hardware shift unit, so it only ever needs software-mode timing.
type spinClock struct{}

func (spinClock) SpinQuarterCycles(n uint16) {
	if n == 0 {
		return
	}
	time.Sleep(time.Duration(n) * 4 * time.Second / time.Duration(CPUHz))
}

// NewEngine builds the serial engine for this board. There is no
// hardware-accelerated shift unit available on the USB armory Mk II, so
// the engine always runs in software bit-bang mode; the hardware-mode
// code paths in internal/serial remain exercised by its own tests and
// stay ready for a board variant that does expose one.
func NewEngine() *serial.Engine {
	out, err := imx6ul.GPIO1.Init(pinDataOut)
	if err != nil {
		panic(err)
	}
	in, err := imx6ul.GPIO1.Init(pinDataIn)
	if err != nil {
		panic(err)
	}
	clk, err := imx6ul.GPIO1.Init(pinClock)
	if err != nil {
		panic(err)
	}
	sel, err := imx6ul.GPIO1.Init(pinChipSelect)
	if err != nil {
		panic(err)
	}

	pins := serial.Pins{
		Out:    line{out},
		In:     line{in},
		Clock:  line{clk},
		Select: line{sel},
	}

	return serial.New(pins, nil, spinClock{})
}

// NewDriver builds the ISP protocol driver over the given engine at this
// board's core clock rate.
func NewDriver(engine *serial.Engine) *isp.Driver {
	return isp.New(engine, nil, CPUHz)
}

// led adapts mk2.LED to internal/usbasp.LED for the programming-session
// indicator (LED1 in the original firmware).
type led struct {
	name string
}

func (l led) Set(on bool) {
	// Best-effort: the only failure mode is an invalid LED name, which
	// never happens for the constant name below.
	_ = mk2.LED(l.name, on)
}

// ProgrammingLED is the session-active indicator driven by CONNECT and
// DISCONNECT.
var ProgrammingLED = led{name: "white"}

// HeartbeatLED is toggled by the main loop's coarse timer, independently
// of any programming session, so a running firmware is visible even
// when idle.
var HeartbeatLED = led{name: "blue"}
