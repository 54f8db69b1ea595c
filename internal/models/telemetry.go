package models

import "time"

// Location is the most recently known position fix.
type Location struct {
	Latitude  float64
	Longitude float64
	Elevation *float64
}

// SampleInput carries the raw values collected during one poll cycle.
// Nil means the value was not available.
type SampleInput struct {
	Location         *Location
	EngineRPM        *int
	FuelRateLPerHour *float64
	CoolantTempC     *int
	FuelLevelPercent *float64
	EngineLoadPct    *float64
	OdometerKm       *float64
	TankCapacityL    *float64
	CaptureTime      time.Time
}

// TelemetrySample is one snapshot of vehicle state. It is built once by
// NewTelemetrySample and never modified afterwards; absent values are
// omitted from the JSON encoding rather than emitted as null.
type TelemetrySample struct {
	Latitude         *float64  `json:"latitude,omitempty"`
	Longitude        *float64  `json:"longitude,omitempty"`
	Elevation        *float64  `json:"elevation,omitempty"`
	CaptureTime      time.Time `json:"time"`
	EngineRPM        *int      `json:"rpm,omitempty"`
	FuelRateLPerHour *float64  `json:"fuel_rate,omitempty"`
	CoolantTempC     *int      `json:"water_temp,omitempty"`
	FuelLevelPercent *float64  `json:"fuel_level,omitempty"`
	EngineLoadPct    *float64  `json:"engine_load,omitempty"`
	OdometerKm       *float64  `json:"odometer_reading,omitempty"`
	TankCapacityL    *float64  `json:"tank_capacity,omitempty"`
	FuelInTankL      *float64  `json:"fuel_in_tank,omitempty"`
}

// NewTelemetrySample builds a sample and caches the derived fuel-in-tank
// value, present only when both capacity and level are known.
func NewTelemetrySample(in SampleInput) TelemetrySample {
	s := TelemetrySample{
		CaptureTime:      in.CaptureTime,
		EngineRPM:        in.EngineRPM,
		FuelRateLPerHour: in.FuelRateLPerHour,
		CoolantTempC:     in.CoolantTempC,
		FuelLevelPercent: in.FuelLevelPercent,
		EngineLoadPct:    in.EngineLoadPct,
		OdometerKm:       in.OdometerKm,
		TankCapacityL:    in.TankCapacityL,
	}

	if in.Location != nil {
		s.Latitude = Float(in.Location.Latitude)
		s.Longitude = Float(in.Location.Longitude)
		s.Elevation = in.Location.Elevation
	}

	if in.TankCapacityL != nil && in.FuelLevelPercent != nil {
		s.FuelInTankL = Float(*in.TankCapacityL * *in.FuelLevelPercent / 100)
	}

	return s
}

// Float returns a pointer to a copy of v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to a copy of v.
func Int(v int) *int { return &v }
