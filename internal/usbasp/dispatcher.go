package usbasp

import (
	"log"
	"sync"
)

// SerialEngine is the subset of internal/serial.Engine the dispatcher
// drives directly, on CONNECT and DISCONNECT and for the raw TRANSMIT
// passthrough. It is a separate interface from internal/isp.Engine
// because the dispatcher and the ISP driver touch different parts of the
// serial engine's contract; Send is the only method both use.
type SerialEngine interface {
	Enable()
	Disable()
	Send(data byte) byte
}

// ISPDriver is the subset of internal/isp.Driver the dispatcher needs.
type ISPDriver interface {
	Attach(freqCode byte) bool
	ReadFlash(byteAddr uint16) byte
	ReadEEPROM(byteAddr uint16) byte
	WriteEEPROM(byteAddr uint16, data byte)
	WriteFlashPageByte(byteAddr uint16, data byte, poll bool)
	CommitFlashPage(byteAddr uint16)
}

// LED lets the dispatcher signal programming-session state without
// depending on a particular board's GPIO package.
type LED interface {
	Set(on bool)
}

type noLED struct{}

func (noLED) Set(bool) {}

// SetupRequest mirrors the fields of a USB control transfer's setup
// packet that the dispatcher needs. Raw is laid out as the 8-byte setup
// packet; the dispatcher reads only bytes 2..5 (wValue and wIndex, low
// byte first), which TRANSMIT and SETISPSCK address directly.
type SetupRequest struct {
	Request byte
	Value   uint16
	Index   uint16
	Length  uint16
	Raw     [8]byte
}

// Dispatcher is the command dispatcher (CD): it holds the session state
// and is the only component that mutates it, doing so non-reentrantly
// under a mutex since, unlike the single-threaded firmware this protocol
// was designed for, a Go USB stack may run setup and endpoint callbacks
// on separate goroutines.
type Dispatcher struct {
	mu sync.Mutex

	session Session
	engine  SerialEngine
	driver  ISPDriver
	led     LED
}

// NewDispatcher builds a dispatcher over the given serial engine and
// ISP driver. led may be nil, in which case programming-session
// indication is a no-op.
func NewDispatcher(engine SerialEngine, driver ISPDriver, led LED) *Dispatcher {
	if led == nil {
		led = noLED{}
	}

	return &Dispatcher{engine: engine, driver: driver, led: led}
}

// HandleSetup processes one control-transfer setup packet. response is
// the data to return for an IN data phase (nil for none); deferred
// reports that the data phase belongs to a subsequent HandleWrite or
// HandleRead call rather than response.
func (d *Dispatcher) HandleSetup(req SetupRequest) (response []byte, deferred bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch req.Request {
	case FuncConnect:
		d.session.reset()
		d.engine.Enable()
		d.led.Set(true)

	case FuncDisconnect:
		d.engine.Disable()
		d.led.Set(false)

	case FuncTransmit:
		response = make([]byte, 4)
		for i := range response {
			response[i] = d.engine.Send(req.Raw[2+i])
		}

	case FuncReadFlash:
		d.loadLegacyAddress(req.Value)
		d.session.ByteCount = req.Length
		d.session.Mode = ModeReadFlash
		deferred = true

	case FuncEnableProg:
		ok := d.driver.Attach(d.session.Freq)
		if ok {
			log.Printf("usbasp: attach ok")
			response = []byte{0}
		} else {
			log.Printf("usbasp: attach failed")
			response = []byte{1}
		}

	case FuncWriteFlash:
		d.loadLegacyAddress(req.Value)
		d.decodePageIndex(req.Index)
		d.session.ByteCount = req.Length
		d.session.Mode = ModeWriteFlash
		deferred = true

	case FuncReadEEPROM:
		d.loadLegacyAddress(req.Value)
		d.session.ByteCount = req.Length
		d.session.Mode = ModeReadEEPROM
		deferred = true

	case FuncWriteEEPROM:
		d.loadLegacyAddress(req.Value)
		d.session.ByteCount = req.Length
		d.session.Mode = ModeWriteEEPROM
		deferred = true

	case FuncSetLongAddress:
		d.session.AddressMode = AddressExtended
		d.session.Address = req.Value

	case FuncSetISPSCK:
		d.session.Freq = req.Raw[2]
		response = []byte{0}

	case FuncEcho:
		response = []byte{byte(req.Value), byte(req.Value >> 8)}

	default:
		log.Printf("usbasp: unknown bRequest %#x", req.Request)
	}

	return response, deferred
}

// loadLegacyAddress reloads the session address from a request's address
// field only in legacy addressing mode. Extended mode preserves the
// running address across requests; the original firmware's condition
// for this check was inverted (`!address_mode == 0`, i.e. "if
// address_mode != 0"), which reloaded on every extended-mode request and
// contradicted its own comment. Fixed here so extended mode behaves as
// documented.
func (d *Dispatcher) loadLegacyAddress(value uint16) {
	if d.session.AddressMode == AddressLegacy {
		d.session.Address = value
	}
}

// decodePageIndex unpacks WRITEFLASH's wIndex into blockflags and
// pagesize: the low nibble of the high byte is blockflags, the low byte
// plus the high nibble of the high byte (shifted) is pagesize.
func (d *Dispatcher) decodePageIndex(index uint16) {
	idxLo := byte(index)
	idxHi := byte(index >> 8)

	d.session.BlockFlags = idxHi & 0x0F
	d.session.PageSize = uint16(idxLo) + (uint16(idxHi&0xF0) << 4)

	if d.session.BlockFlags&BlockFlagFirst != 0 {
		d.session.PageCounter = d.session.PageSize
	}
}

// HandleWrite consumes one chunk of a streaming write, clipped to the
// remaining byte count. It returns true once bytecount reaches zero
// during this call.
func (d *Dispatcher) HandleWrite(data []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if uint16(len(data)) > d.session.ByteCount {
		data = data[:d.session.ByteCount]
	}

	done := false
	for _, b := range data {
		d.writeByte(b)

		d.session.ByteCount--
		if d.session.ByteCount == 0 {
			done = true
			if d.session.BlockFlags&BlockFlagLast != 0 && d.session.PageCounter != d.session.PageSize {
				d.driver.CommitFlashPage(d.session.Address)
			}
		}

		d.session.Address++
	}

	return done
}

func (d *Dispatcher) writeByte(b byte) {
	if d.session.Mode == ModeWriteFlash {
		if d.session.PageSize == 0 {
			d.driver.WriteFlashPageByte(d.session.Address, b, true)
			return
		}

		d.driver.WriteFlashPageByte(d.session.Address, b, false)
		d.session.PageCounter--
		if d.session.PageCounter == 0 {
			d.driver.CommitFlashPage(d.session.Address)
			d.session.PageCounter = d.session.PageSize
		}
		return
	}

	d.driver.WriteEEPROM(d.session.Address, b)
}

// HandleRead produces up to maxLen bytes of a streaming read, clipped to
// the remaining byte count.
func (d *Dispatcher) HandleRead(maxLen int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := maxLen
	if uint16(n) > d.session.ByteCount {
		n = int(d.session.ByteCount)
	}

	out := make([]byte, n)
	for i := range out {
		if d.session.Mode == ModeReadFlash {
			out[i] = d.driver.ReadFlash(d.session.Address)
		} else {
			out[i] = d.driver.ReadEEPROM(d.session.Address)
		}
		d.session.Address++
	}
	d.session.ByteCount -= uint16(n)

	return out
}
