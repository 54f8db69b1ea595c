// Package state holds the process-wide values shared between the poller,
// the relay and the HTTP handlers.
package state

import (
	"fmt"
	"sync"
	"sync/atomic"

	"obd2relay/internal/models"
)

// Device describes the adapter as reported over HTTP.
type Device struct {
	State    models.AdapterState
	Protocol string
	VIN      string
}

// StateString renders the connection state the way clients expect it,
// including the protocol for an unsupported one.
func (d Device) StateString() string {
	if d.State == models.AdapterUnsupportedProtocol {
		return fmt.Sprintf("UnsupportedProtocol(%s)", d.Protocol)
	}
	return d.State.String()
}

// Aggregate is safe for concurrent use. No method holds the lock while
// calling out.
type Aggregate struct {
	mu         sync.RWMutex
	device     Device
	spareLevel *float64

	newReading atomic.Bool
}

func New() *Aggregate {
	return &Aggregate{}
}

func (a *Aggregate) Device() Device {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.device
}

func (a *Aggregate) SetDeviceState(s models.AdapterState) {
	a.mu.Lock()
	a.device.State = s
	a.mu.Unlock()
}

// SetIdentity records what the adapter reported during identification.
// Empty values leave the previous ones in place.
func (a *Aggregate) SetIdentity(vin, protocol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if vin != "" {
		a.device.VIN = vin
	}
	if protocol != "" {
		a.device.Protocol = protocol
	}
}

// SpareTankLevel returns the last value received from the upstream
// controller.
func (a *Aggregate) SpareTankLevel() (float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.spareLevel == nil {
		return 0, false
	}
	return *a.spareLevel, true
}

func (a *Aggregate) SetSpareTankLevel(v float64) {
	a.mu.Lock()
	a.spareLevel = &v
	a.mu.Unlock()
}

// MarkNewReading raises the sticky flag. It stays raised until consumed.
func (a *Aggregate) MarkNewReading() {
	a.newReading.Store(true)
}

func (a *Aggregate) HasNewReading() bool {
	return a.newReading.Load()
}

// ConsumeNewReading clears the flag and reports whether it was set.
func (a *Aggregate) ConsumeNewReading() bool {
	return a.newReading.Swap(false)
}
