// Package adapter defines the contract of the in-vehicle diagnostic adapter.
// The transport and the diagnostic protocol encoding live behind it.
package adapter

import (
	"context"
	"errors"

	"obd2relay/internal/models"
)

// ErrNotConnected is returned by FetchMany before Connect succeeds.
var ErrNotConnected = errors.New("adapter not connected")

// Quantity names a value the adapter can be asked for.
type Quantity int

const (
	RPM Quantity = iota
	Odometer
	FuelRate
	CoolantTemp
	FuelLevel
	EngineLoad
	VIN
	Protocol
)

var quantityNames = map[Quantity]string{
	RPM:         "rpm",
	Odometer:    "odometer",
	FuelRate:    "fuel_rate",
	CoolantTemp: "coolant_temp",
	FuelLevel:   "fuel_level",
	EngineLoad:  "engine_load",
	VIN:         "vin",
	Protocol:    "protocol",
}

func (q Quantity) String() string {
	if name, ok := quantityNames[q]; ok {
		return name
	}
	return "unknown"
}

// Unit is the token the adapter appends to a formatted value of q. Empty for
// quantities reported as plain text.
func (q Quantity) Unit() string {
	switch q {
	case RPM:
		return "rpm"
	case Odometer:
		return "km"
	case FuelRate:
		return "L/h"
	case CoolantTemp:
		return "°C"
	case FuelLevel, EngineLoad:
		return "%"
	default:
		return ""
	}
}

// PollSet is the batch requested on every poll cycle.
var PollSet = []Quantity{RPM, Odometer, FuelRate, CoolantTemp, FuelLevel, EngineLoad}

// Adapter is a connected diagnostic adapter.
//
// States delivers connection state changes; it is closed when the adapter
// is shut down. FetchMany returns one formatted string per requested
// quantity, in request order. An element may be empty or unparsable when the
// vehicle does not report that quantity.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect() error
	States() <-chan models.AdapterState
	FetchMany(ctx context.Context, qs []Quantity) ([]string, error)
}
