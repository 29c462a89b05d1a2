package hotplug

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/looperlab/looperd/internal/types"
)

type fakeObserver struct {
	mu      sync.Mutex
	arrived []types.DeviceDescriptor
	gone    [][2]uint8
}

func (o *fakeObserver) DeviceArrived(desc types.DeviceDescriptor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.arrived = append(o.arrived, desc)
}

func (o *fakeObserver) DeviceGone(bus, address uint8) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gone = append(o.gone, [2]uint8{bus, address})
}

func dev(bus, address uint8) types.DeviceDescriptor {
	return types.DeviceDescriptor{
		VID: 0x34DB, PID: 0x0008, Bus: bus, Address: address,
		Name: "Mooer Looper", Accessible: true,
	}
}

func newTestMonitor(obs Observer, devs *[]types.DeviceDescriptor, mu *sync.Mutex) *Monitor {
	m := NewMonitor(obs, time.Hour)
	m.enumerate = func() ([]types.DeviceDescriptor, error) {
		mu.Lock()
		defer mu.Unlock()
		return append([]types.DeviceDescriptor(nil), *devs...), nil
	}
	return m
}

func TestPollReportsArrival(t *testing.T) {
	var mu sync.Mutex
	devs := []types.DeviceDescriptor{}
	obs := &fakeObserver{}
	m := newTestMonitor(obs, &devs, &mu)

	m.Poll()
	mu.Lock()
	devs = []types.DeviceDescriptor{dev(1, 4)}
	mu.Unlock()
	m.Poll()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.arrived) != 1 || obs.arrived[0].Bus != 1 || obs.arrived[0].Address != 4 {
		t.Errorf("arrived = %+v, want one device at bus 1 address 4", obs.arrived)
	}
	if len(obs.gone) != 0 {
		t.Errorf("unexpected removal events: %v", obs.gone)
	}
}

func TestPollReportsRemoval(t *testing.T) {
	var mu sync.Mutex
	devs := []types.DeviceDescriptor{dev(1, 4), dev(1, 7)}
	obs := &fakeObserver{}
	m := newTestMonitor(obs, &devs, &mu)

	m.Poll()
	mu.Lock()
	devs = []types.DeviceDescriptor{dev(1, 7)}
	mu.Unlock()
	m.Poll()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.gone) != 1 || obs.gone[0] != [2]uint8{1, 4} {
		t.Errorf("gone = %v, want [[1 4]]", obs.gone)
	}
}

func TestPollUnchangedIsQuiet(t *testing.T) {
	var mu sync.Mutex
	devs := []types.DeviceDescriptor{dev(1, 4)}
	obs := &fakeObserver{}
	m := newTestMonitor(obs, &devs, &mu)

	m.Poll()
	m.Poll()
	m.Poll()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	// The first sweep sees the device as new; later sweeps stay quiet.
	if len(obs.arrived) != 1 || len(obs.gone) != 0 {
		t.Errorf("arrived=%d gone=%d after repeated sweeps", len(obs.arrived), len(obs.gone))
	}
}

func TestPollSkipsSweepOnError(t *testing.T) {
	var mu sync.Mutex
	devs := []types.DeviceDescriptor{dev(1, 4)}
	obs := &fakeObserver{}
	m := newTestMonitor(obs, &devs, &mu)
	m.Poll()

	failing := m.enumerate
	m.enumerate = func() ([]types.DeviceDescriptor, error) {
		return nil, fmt.Errorf("libusb unavailable")
	}
	m.Poll()
	m.enumerate = failing
	m.Poll()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.gone) != 0 {
		t.Errorf("enumeration error reported devices as gone: %v", obs.gone)
	}
}

func TestStartPrimesSilently(t *testing.T) {
	var mu sync.Mutex
	devs := []types.DeviceDescriptor{dev(2, 3)}
	obs := &fakeObserver{}
	m := newTestMonitor(obs, &devs, &mu)

	m.Start()
	defer m.Stop()
	m.Poll()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.arrived) != 0 {
		t.Errorf("device attached before Start reported as arrival: %+v", obs.arrived)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	var mu sync.Mutex
	devs := []types.DeviceDescriptor{}
	obs := &fakeObserver{}
	m := newTestMonitor(obs, &devs, &mu)

	m.Start()
	m.Stop()
	m.Stop()
	m.Start()
	m.Stop()
}
