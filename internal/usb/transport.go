// Package usb talks to the pedal over libusb: enumeration, interface
// claiming, and the interrupt transfers every higher layer rides on.
package usb

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/looperlab/looperd/internal/protocol"
	"github.com/looperlab/looperd/internal/types"
)

var (
	ErrNoDevice         = errors.New("no looper device found")
	ErrConnectFailed    = errors.New("could not open device")
	ErrPermissionDenied = errors.New("device permission denied")
	ErrNotConnected     = errors.New("not connected")
	ErrDeviceTimeout    = errors.New("device timed out")
)

// DefaultTimeout bounds every interrupt transfer.
const DefaultTimeout = 5 * time.Second

// Transport owns one open pedal: the gousb handles, the claimed
// interfaces and the four resolved endpoints. All methods are safe for
// use from a single worker goroutine; the mutex only serializes
// Disconnect calls, and the transfer methods do not take it.
type Transport struct {
	mu      sync.Mutex
	ctx     *gousb.Context
	dev     *gousb.Device
	cfg     *gousb.Config
	intfs   []*gousb.Interface
	epOut   *gousb.OutEndpoint
	epData  *gousb.OutEndpoint
	epInSt  *gousb.InEndpoint
	epInDat *gousb.InEndpoint

	bus     uint8
	address uint8
	timeout time.Duration
	verbose bool
}

// Enumerate lists every attached device with the looper's vendor ID.
// Each matching descriptor is reported even when the device cannot be
// opened; Accessible distinguishes the two cases.
func Enumerate() ([]types.DeviceDescriptor, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	seen := make(map[[2]uint8]*types.DeviceDescriptor)
	var order [][2]uint8
	devs, _ := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if uint16(desc.Vendor) != protocol.VendorID {
			return false
		}
		key := [2]uint8{uint8(desc.Bus), uint8(desc.Address)}
		seen[key] = &types.DeviceDescriptor{
			VID:     uint16(desc.Vendor),
			PID:     uint16(desc.Product),
			Bus:     uint8(desc.Bus),
			Address: uint8(desc.Address),
			Name:    "Mooer Looper",
		}
		order = append(order, key)
		return true
	})
	for _, dev := range devs {
		key := [2]uint8{uint8(dev.Desc.Bus), uint8(dev.Desc.Address)}
		if d := seen[key]; d != nil {
			d.Accessible = true
			if name, err := dev.Product(); err == nil && name != "" {
				d.Name = name
			}
			if serial, err := dev.SerialNumber(); err == nil {
				d.Serial = serial
			}
		}
		dev.Close()
	}

	out := make([]types.DeviceDescriptor, 0, len(order))
	for _, key := range order {
		out = append(out, *seen[key])
	}
	return out, nil
}

// Connect opens the device at (bus, address) and claims interfaces 0
// and 1. Pass -1 for both to take the first matching device.
func Connect(bus, address int, verbose bool) (*Transport, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if uint16(desc.Vendor) != protocol.VendorID || uint16(desc.Product) != protocol.ProductID {
			return false
		}
		return bus < 0 || (desc.Bus == bus && desc.Address == address)
	})
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("%w: %v", connectError(err), err)
	}
	if len(devs) == 0 {
		ctx.Close()
		return nil, ErrNoDevice
	}
	dev := devs[0]
	for _, extra := range devs[1:] {
		extra.Close()
	}

	t := &Transport{
		ctx:     ctx,
		dev:     dev,
		bus:     uint8(dev.Desc.Bus),
		address: uint8(dev.Desc.Address),
		timeout: DefaultTimeout,
		verbose: verbose,
	}
	if err := t.claim(); err != nil {
		t.Disconnect()
		return nil, fmt.Errorf("%w: %v", connectError(err), err)
	}
	if verbose {
		log.Printf("[USB] connected bus=%d address=%d", t.bus, t.address)
	}
	return t, nil
}

// connectError maps a libusb access failure to ErrPermissionDenied so
// callers can tell a missing udev rule from any other open failure.
func connectError(err error) error {
	if errors.Is(err, gousb.ErrorAccess) {
		return ErrPermissionDenied
	}
	return ErrConnectFailed
}

// claim takes interfaces 0 and 1 and resolves the four endpoints from
// whichever interface exposes them.
func (t *Transport) claim() error {
	if err := t.dev.SetAutoDetach(true); err != nil {
		return fmt.Errorf("auto detach: %w", err)
	}
	cfg, err := t.dev.Config(1)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	t.cfg = cfg

	for _, num := range []int{0, 1} {
		intf, err := cfg.Interface(num, 0)
		if err != nil {
			return fmt.Errorf("claim interface %d: %w", num, err)
		}
		t.intfs = append(t.intfs, intf)
	}

	for _, intf := range t.intfs {
		for _, ep := range intf.Setting.Endpoints {
			switch uint8(ep.Address) {
			case protocol.EPOut:
				t.epOut, err = intf.OutEndpoint(ep.Number)
			case protocol.EPOutData:
				t.epData, err = intf.OutEndpoint(ep.Number)
			case protocol.EPInStatus:
				t.epInSt, err = intf.InEndpoint(ep.Number)
			case protocol.EPInData:
				t.epInDat, err = intf.InEndpoint(ep.Number)
			}
			if err != nil {
				return fmt.Errorf("endpoint %02X: %w", uint8(ep.Address), err)
			}
		}
	}
	if t.epOut == nil || t.epData == nil || t.epInSt == nil || t.epInDat == nil {
		return errors.New("device does not expose the expected endpoints")
	}
	return nil
}

// Disconnect releases both interfaces and closes the handle. Safe to
// call more than once.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, intf := range t.intfs {
		intf.Close()
	}
	t.intfs = nil
	if t.cfg != nil {
		t.cfg.Close()
		t.cfg = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
}

// Bus reports where the bound device sits; hotplug removal is matched
// against this identity.
func (t *Transport) Bus() uint8 { return t.bus }

// Address reports the bound device's bus address.
func (t *Transport) Address() uint8 { return t.address }

func timedOut(err error) bool {
	return errors.Is(err, gousb.TransferTimedOut) || errors.Is(err, context.DeadlineExceeded)
}

// SendCommand writes one 64-byte frame to the command endpoint.
func (t *Transport) SendCommand(frame []byte) error {
	if t.epOut == nil {
		return ErrNotConnected
	}
	if t.verbose {
		log.Printf("[USB] -> cmd % X", frame[:10])
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if _, err := t.epOut.WriteContext(ctx, frame); err != nil {
		return fmt.Errorf("command write: %w", err)
	}
	return nil
}

// WriteData writes one upload chunk to the bulk-data endpoint.
func (t *Transport) WriteData(chunk []byte) error {
	if t.epData == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if _, err := t.epData.WriteContext(ctx, chunk); err != nil {
		return fmt.Errorf("data write: %w", err)
	}
	return nil
}

// ReadStatus reads a 64-byte acknowledgement. A timeout is reported as
// (nil, nil); the pedal skips some acks across firmware revisions and
// callers carry on without them.
func (t *Transport) ReadStatus() ([]byte, error) {
	if t.epInSt == nil {
		return nil, ErrNotConnected
	}
	buf := make([]byte, protocol.StatusSize)
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	n, err := t.epInSt.ReadContext(ctx, buf)
	if err != nil {
		if timedOut(err) {
			if t.verbose {
				log.Printf("[USB] status read timed out")
			}
			return nil, nil
		}
		return nil, fmt.Errorf("status read: %w", err)
	}
	return buf[:n], nil
}

// ReadData reads up to one 1024-byte chunk from the data endpoint. A
// timeout here means the transfer is broken and surfaces as
// ErrDeviceTimeout.
func (t *Transport) ReadData() ([]byte, error) {
	if t.epInDat == nil {
		return nil, ErrNotConnected
	}
	buf := make([]byte, protocol.ChunkSize)
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	n, err := t.epInDat.ReadContext(ctx, buf)
	if err != nil {
		if timedOut(err) {
			return nil, ErrDeviceTimeout
		}
		return nil, fmt.Errorf("data read: %w", err)
	}
	return buf[:n], nil
}
