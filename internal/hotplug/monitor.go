// Package hotplug watches the bus for pedals arriving and leaving.
// libusb offers no portable hotplug callback through gousb, so the
// monitor re-enumerates on a timer and diffs against the last sweep.
package hotplug

import (
	"log"
	"sync"
	"time"

	"github.com/looperlab/looperd/internal/types"
	"github.com/looperlab/looperd/internal/usb"
)

// EnumerateFunc lists the currently attached looper devices.
type EnumerateFunc func() ([]types.DeviceDescriptor, error)

// Observer receives device arrival and removal events. Callbacks run
// on the monitor goroutine and must not block.
type Observer interface {
	DeviceArrived(desc types.DeviceDescriptor)
	DeviceGone(bus, address uint8)
}

// Monitor polls device enumeration and reports changes.
type Monitor struct {
	enumerate EnumerateFunc
	obs       Observer
	interval  time.Duration

	mu      sync.Mutex
	known   map[[2]uint8]types.DeviceDescriptor
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewMonitor creates a monitor polling at the given interval.
func NewMonitor(obs Observer, interval time.Duration) *Monitor {
	return &Monitor{
		enumerate: usb.Enumerate,
		obs:       obs,
		interval:  interval,
		known:     make(map[[2]uint8]types.DeviceDescriptor),
	}
}

// Start primes the device set with one silent sweep and begins
// polling. Devices already attached at start do not produce arrival
// events.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	if devs, err := m.enumerate(); err == nil {
		m.mu.Lock()
		for _, d := range devs {
			m.known[[2]uint8{d.Bus, d.Address}] = d
		}
		m.mu.Unlock()
	}

	go m.loop()
}

// Stop halts polling and waits for the monitor goroutine to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
}

func (m *Monitor) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Poll()
		}
	}
}

// Poll runs one enumeration sweep and fires callbacks for the diff
// against the previous sweep. Enumeration errors skip the sweep so a
// transient libusb failure does not report every device as gone.
func (m *Monitor) Poll() {
	devs, err := m.enumerate()
	if err != nil {
		log.Printf("[HOTPLUG] enumeration failed: %v", err)
		return
	}

	current := make(map[[2]uint8]types.DeviceDescriptor, len(devs))
	for _, d := range devs {
		current[[2]uint8{d.Bus, d.Address}] = d
	}

	m.mu.Lock()
	var arrived []types.DeviceDescriptor
	var gone [][2]uint8
	for key, d := range current {
		if _, ok := m.known[key]; !ok {
			arrived = append(arrived, d)
		}
	}
	for key := range m.known {
		if _, ok := current[key]; !ok {
			gone = append(gone, key)
		}
	}
	m.known = current
	m.mu.Unlock()

	for _, d := range arrived {
		log.Printf("[HOTPLUG] device arrived bus=%d address=%d", d.Bus, d.Address)
		m.obs.DeviceArrived(d)
	}
	for _, key := range gone {
		log.Printf("[HOTPLUG] device gone bus=%d address=%d", key[0], key[1])
		m.obs.DeviceGone(key[0], key[1])
	}
}
