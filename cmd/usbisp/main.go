// +build tamago,arm

// Command usbisp is the USB armory Mk II firmware image: it brings up
// the board, wires the serial engine / ISP driver / command dispatcher
// stack to the USB device-mode controller, and runs the main loop.
package main

import (
	"time"

	"github.com/usbarmory/tamago/soc/nxp/usb"

	"github.com/lochraster/usbisp/board/armory"
	"github.com/lochraster/usbisp/internal/usbasp"
)

// USBasp's established vendor/product identity, so existing host-side
// programming utilities recognize the device without modification.
const (
	vendorID  = 0x16c0
	productID = 0x05dc
)

func configureDevice(device *usb.Device) {
	device.SetLanguageCodes([]uint16{0x0409})

	device.Descriptor = &usb.DeviceDescriptor{}
	device.Descriptor.SetDefaults()
	device.Descriptor.DeviceClass = 0xff
	device.Descriptor.VendorId = vendorID
	device.Descriptor.ProductId = productID
	device.Descriptor.Device = 0x0001
	device.Descriptor.NumConfigurations = 1

	iManufacturer, _ := device.AddString(`www.fischl.de`)
	device.Descriptor.Manufacturer = iManufacturer

	iProduct, _ := device.AddString(`USBasp`)
	device.Descriptor.Product = iProduct

	iSerial, _ := device.AddString(`usbisp-1`)
	device.Descriptor.SerialNumber = iSerial

	device.Qualifier = &usb.DeviceQualifierDescriptor{}
	device.Qualifier.SetDefaults()
	device.Qualifier.DeviceClass = 0xff
	device.Qualifier.NumConfigurations = 1
}

// configureInterface sets up the single vendor-specific interface: no
// bulk endpoints are strictly required by the USBasp protocol (all
// traffic fits in control-transfer data stages), but the dispatcher's
// handle_read/handle_write entry points are written against the same
// chunking contract either transport provides, so they are exposed here
// as bulk endpoints too for hosts that prefer them.
func configureInterface(device *usb.Device, dispatcher *usbasp.Dispatcher) {
	conf := &usb.ConfigurationDescriptor{}
	conf.SetDefaults()
	conf.NumInterfaces = 1
	conf.ConfigurationValue = 1

	iConfiguration, _ := device.AddString(`USBasp ISP programmer`)
	conf.Configuration = iConfiguration

	device.Configurations = append(device.Configurations, conf)

	iface := &usb.InterfaceDescriptor{}
	iface.SetDefaults()
	iface.NumEndpoints = 2
	iface.InterfaceClass = 0xff

	conf.Interfaces = append(conf.Interfaces, iface)

	epIn := &usb.EndpointDescriptor{}
	epIn.SetDefaults()
	epIn.EndpointAddress = 0x81
	epIn.Attributes = 2
	epIn.MaxPacketSize = 64
	epIn.Function = readFunction(dispatcher)

	iface.Endpoints = append(iface.Endpoints, epIn)

	epOut := &usb.EndpointDescriptor{}
	epOut.SetDefaults()
	epOut.EndpointAddress = 0x01
	epOut.Attributes = 2
	epOut.MaxPacketSize = 64
	epOut.Function = writeFunction(dispatcher)

	iface.Endpoints = append(iface.Endpoints, epOut)
}

// readFunction adapts the dispatcher's streaming-read entry point to the
// USB stack's IN endpoint contract.
func readFunction(dispatcher *usbasp.Dispatcher) usb.EndpointFunction {
	return func(_ []byte, lastErr error) (in []byte, err error) {
		return dispatcher.HandleRead(64), nil
	}
}

// writeFunction adapts the dispatcher's streaming-write entry point to
// the USB stack's OUT endpoint contract.
func writeFunction(dispatcher *usbasp.Dispatcher) usb.EndpointFunction {
	return func(out []byte, lastErr error) (in []byte, err error) {
		dispatcher.HandleWrite(out)
		return nil, nil
	}
}

// requestTypeVendor is the bmRequestType type field value for
// vendor-specific requests (p248, Table 9-2, USB2.0).
const requestTypeVendor = 0x2

// setupHook adapts the dispatcher's handle_setup entry point to the USB
// stack's control-transfer hook. Only vendor-specific requests are
// claimed; standard requests (GET_DESCRIPTOR, SET_ADDRESS, and so on)
// fall through to the stack's own handling by returning done=false.
func setupHook(dispatcher *usbasp.Dispatcher) usb.SetupFunction {
	return func(setup *usb.SetupData) (in []byte, ack bool, done bool, err error) {
		if (setup.RequestType>>5)&0x3 != requestTypeVendor {
			return nil, false, false, nil
		}

		req := usbasp.SetupRequest{
			Request: setup.Request,
			Value:   setup.Value,
			Index:   setup.Index,
			Length:  setup.Length,
		}
		req.Raw[2] = byte(setup.Value)
		req.Raw[3] = byte(setup.Value >> 8)
		req.Raw[4] = byte(setup.Index)
		req.Raw[5] = byte(setup.Index >> 8)

		response, deferred := dispatcher.HandleSetup(req)
		if deferred {
			return nil, true, true, nil
		}

		return response, true, true, nil
	}
}

// heartbeat toggles the idle-indicator LED on a coarse timer,
// independent of any programming session, grounded on the reference
// firmware's main loop LED2 toggle.
func heartbeat() {
	on := false
	for {
		time.Sleep(500 * time.Millisecond)
		on = !on
		armory.HeartbeatLED.Set(on)
	}
}

func main() {
	engine := armory.NewEngine()
	driver := armory.NewDriver(engine)
	dispatcher := usbasp.NewDispatcher(engine, driver, armory.ProgrammingLED)

	device := &usb.Device{}
	configureDevice(device)
	configureInterface(device, dispatcher)
	device.Setup = setupHook(dispatcher)

	usb.USB1.Init()
	usb.USB1.DeviceMode()
	usb.USB1.Device = device

	go heartbeat()

	// never returns
	usb.USB1.Start(device)
}
