package usbasp

import (
	"testing"
	"time"

	"github.com/lochraster/usbisp/internal/isp"
	"github.com/lochraster/usbisp/internal/simtarget"
)

type fakeClock struct{}

func (fakeClock) Sleep(time.Duration) {}

type fakeLED struct {
	on bool
}

func (l *fakeLED) Set(on bool) { l.on = on }

func newTestDispatcher() (*Dispatcher, *simtarget.Target, *fakeLED) {
	target := simtarget.NewTarget()
	driver := isp.New(target, fakeClock{}, 16_000_000)
	led := &fakeLED{}

	return NewDispatcher(target, driver, led), target, led
}

func connectAndEnable(t *testing.T, d *Dispatcher) {
	t.Helper()
	d.HandleSetup(SetupRequest{Request: FuncConnect})
	resp, _ := d.HandleSetup(SetupRequest{Request: FuncEnableProg})
	if len(resp) != 1 || resp[0] != 0 {
		t.Fatalf("ENABLEPROG against a simulated target should succeed, got %v", resp)
	}
}

// Property 1: connect/enable/disconnect cycle.
func TestConnectEnableDisconnectCycle(t *testing.T) {
	d, target, led := newTestDispatcher()

	connectAndEnable(t, d)
	if !led.on {
		t.Fatalf("LED should be on after CONNECT")
	}
	if !target.ResetAsserted {
		t.Fatalf("reset should be asserted throughout the programming session")
	}

	d.HandleSetup(SetupRequest{Request: FuncDisconnect})
	if led.on {
		t.Fatalf("LED should be off after DISCONNECT")
	}

	// A second cycle must behave identically.
	connectAndEnable(t, d)
	if !led.on || !target.ResetAsserted {
		t.Fatalf("second connect/enable cycle should behave identically to the first")
	}
}

// Property 2: magic-bytes probe wire sequence.
func TestMagicBytesWireSequence(t *testing.T) {
	d, target, _ := newTestDispatcher()

	connectAndEnable(t, d)

	if len(target.Frames) == 0 {
		t.Fatalf("expected at least one frame from the attach probe")
	}

	want := [4]byte{0xAC, 0x53, 0x00, 0x00}
	if target.Frames[0] != want {
		t.Fatalf("first frame = %#v, want %#v", target.Frames[0], want)
	}
}

// Property 3: address auto-increment across a streaming EEPROM write.
func TestAddressAutoIncrement(t *testing.T) {
	d, target, _ := newTestDispatcher()
	connectAndEnable(t, d)

	d.HandleSetup(SetupRequest{Request: FuncSetLongAddress, Value: 0x1234})
	d.HandleSetup(SetupRequest{Request: FuncWriteEEPROM, Value: 0x1234, Length: 5})

	done := d.HandleWrite([]byte{0x00, 0x01, 0x02, 0x03, 0x04})
	if !done {
		t.Fatalf("expected the write to complete in one call")
	}

	for i, want := range []byte{0x00, 0x01, 0x02, 0x03, 0x04} {
		addr := uint16(0x1234 + i)
		if got := target.EEPROM[addr]; got != want {
			t.Errorf("EEPROM[%#x] = %#x, want %#x", addr, got, want)
		}
	}
}

// Property 4: legacy vs extended addressing.
func TestLegacyVsExtendedAddressing(t *testing.T) {
	d, _, _ := newTestDispatcher()
	connectAndEnable(t, d)

	d.HandleSetup(SetupRequest{Request: FuncReadFlash, Value: 0x10, Length: 0})
	if d.session.Address != 0x10 {
		t.Fatalf("legacy READFLASH should restart at wValue, got %#x", d.session.Address)
	}

	d.session.Address = 0x99 // simulate address having advanced mid-stream
	d.HandleSetup(SetupRequest{Request: FuncReadFlash, Value: 0x20, Length: 0})
	if d.session.Address != 0x20 {
		t.Fatalf("legacy READFLASH should restart at the new wValue, got %#x", d.session.Address)
	}

	d.HandleSetup(SetupRequest{Request: FuncSetLongAddress, Value: 0x2000})
	d.session.Address = 0x2005 // simulate address having advanced mid-stream
	d.HandleSetup(SetupRequest{Request: FuncReadFlash, Value: 0x20, Length: 0})
	if d.session.Address != 0x2005 {
		t.Fatalf("extended-mode READFLASH should not reload from wValue, got %#x", d.session.Address)
	}
}

// Property 5: page boundary commit.
func TestPageBoundaryCommit(t *testing.T) {
	d, target, _ := newTestDispatcher()
	connectAndEnable(t, d)

	d.HandleSetup(SetupRequest{
		Request: FuncWriteFlash,
		Value:   0,
		Index:   uint16(128) | uint16(BlockFlagFirst)<<8,
		Length:  200,
	})
	done := d.HandleWrite(make([]byte, 128))
	if done {
		t.Fatalf("should not be done after only the first 128 bytes of 200")
	}
	if n := totalCommits(target); n != 1 {
		t.Fatalf("expected exactly one commit after the first 128 bytes, got %d", n)
	}

	d.HandleSetup(SetupRequest{
		Request: FuncWriteFlash,
		Value:   128,
		Index:   uint16(128) | uint16(BlockFlagLast)<<8,
		Length:  72,
	})
	done = d.HandleWrite(make([]byte, 72))
	if !done {
		t.Fatalf("should be done after the remaining 72 bytes")
	}

	if n := totalCommits(target); n != 2 {
		t.Fatalf("expected exactly two commits total for 200 bytes at pagesize 128, got %d", n)
	}
}

func totalCommits(target *simtarget.Target) int {
	total := 0
	for _, n := range target.Commits {
		total += n
	}
	return total
}

func TestPageBoundaryCommitExactlyOnceAtPagesize(t *testing.T) {
	d, target, _ := newTestDispatcher()
	connectAndEnable(t, d)

	d.HandleSetup(SetupRequest{
		Request: FuncWriteFlash,
		Index:   uint16(128) | uint16(BlockFlagFirst|BlockFlagLast)<<8,
		Length:  128,
	})
	d.HandleWrite(make([]byte, 128))

	if n := totalCommits(target); n != 1 {
		t.Fatalf("expected exactly one commit for a single full page, got %d", n)
	}
}

func TestPagesizeZeroNeverCommits(t *testing.T) {
	d, target, _ := newTestDispatcher()
	connectAndEnable(t, d)

	d.HandleSetup(SetupRequest{
		Request: FuncWriteFlash,
		Index:   uint16(BlockFlagFirst|BlockFlagLast) << 8,
		Length:  10,
	})
	d.HandleWrite(make([]byte, 10))

	if len(target.Commits) != 0 {
		t.Fatalf("pagesize 0 should never commit, got %v", target.Commits)
	}
}

// Property 6: read/write round trip.
func TestReadWriteRoundTrip(t *testing.T) {
	d, _, _ := newTestDispatcher()
	connectAndEnable(t, d)

	data := []byte{0x11, 0x22, 0x33, 0x44}

	d.HandleSetup(SetupRequest{Request: FuncWriteFlash, Value: 0x40, Length: uint16(len(data))})
	d.HandleWrite(data)

	d.HandleSetup(SetupRequest{Request: FuncReadFlash, Value: 0x40, Length: uint16(len(data))})
	got := d.HandleRead(len(data))

	for i := range data {
		if got[i] != data[i] {
			t.Errorf("byte %d = %#x, want %#x", i, got[i], data[i])
		}
	}
}

// Property 7: SETISPSCK effect (freq propagates through to attach).
func TestSetISPSCKPropagatesToAttach(t *testing.T) {
	d, _, _ := newTestDispatcher()
	d.HandleSetup(SetupRequest{Request: FuncConnect})

	resp, _ := d.HandleSetup(SetupRequest{Request: FuncSetISPSCK, Raw: [8]byte{0, 0, 7}})
	if len(resp) != 1 || resp[0] != 0 {
		t.Fatalf("SETISPSCK should respond with a single zero byte, got %v", resp)
	}
	if d.session.Freq != 7 {
		t.Fatalf("session freq = %d, want 7", d.session.Freq)
	}

	resp, _ = d.HandleSetup(SetupRequest{Request: FuncEnableProg})
	if len(resp) != 1 || resp[0] != 0 {
		t.Fatalf("ENABLEPROG at the selected rate should still succeed, got %v", resp)
	}
}

// Property 8: erased sentinel through the dispatcher's WRITEEEPROM path.
// This checks that 0xFF lands in EEPROM; the fixed-delay-instead-of-poll
// split itself is checked in internal/isp's tests.
func TestErasedSentinelThroughDispatcher(t *testing.T) {
	d, target, _ := newTestDispatcher()
	connectAndEnable(t, d)

	d.HandleSetup(SetupRequest{Request: FuncWriteEEPROM, Value: 0x50, Length: 1})
	d.HandleWrite([]byte{0xFF})

	if target.EEPROM[0x50] != 0xFF {
		t.Fatalf("expected 0xFF written at 0x50")
	}
}

func TestTransmitEchoesSendResults(t *testing.T) {
	d, _, _ := newTestDispatcher()
	connectAndEnable(t, d)

	resp, deferred := d.HandleSetup(SetupRequest{Request: FuncTransmit, Raw: [8]byte{0, 0, 0xAC, 0x53, 0x00, 0x00}})
	if deferred {
		t.Fatalf("TRANSMIT has no deferred data phase")
	}
	if len(resp) != 4 {
		t.Fatalf("TRANSMIT should respond with 4 bytes, got %d", len(resp))
	}
	if resp[2] != 0x53 {
		t.Fatalf("TRANSMIT of the magic-bytes sequence should echo 0x53 on the third response byte, got %#x", resp[2])
	}
}

func TestUnknownRequestYieldsNoResponse(t *testing.T) {
	d, _, _ := newTestDispatcher()

	resp, deferred := d.HandleSetup(SetupRequest{Request: 0x99})
	if resp != nil || deferred {
		t.Fatalf("unknown bRequest should yield a nil, non-deferred response, got resp=%v deferred=%v", resp, deferred)
	}
}

func TestEchoRequest(t *testing.T) {
	d, _, _ := newTestDispatcher()

	resp, _ := d.HandleSetup(SetupRequest{Request: FuncEcho, Value: 0xBEEF})
	if len(resp) != 2 || resp[0] != 0xEF || resp[1] != 0xBE {
		t.Fatalf("FuncEcho response = %#v, want wValue echoed little-endian", resp)
	}
}
