package models

import (
	"errors"
	"time"
)

// Unit tags accepted for tank volumes and prices.
const (
	UnitLiters    = "L"
	UnitGallons   = "gal"
	UnitPerLiter  = "/L"
	UnitPerGallon = "/gal"
)

// TankLevels is one user edit of the relayed tank and price values. Values
// are stored exactly as entered together with their unit tags; conversion to
// liters and price per liter happens on read.
type TankLevels struct {
	ID            int64     `json:"id"`
	MainTankLevel float64   `json:"mainTankLevel"`
	MainTankUnit  string    `json:"mainTankUnit"`
	AuxTankLevel  float64   `json:"auxTankLevel"`
	AuxTankUnit   string    `json:"auxTankUnit"`
	MainTankPrice float64   `json:"mainTankPrice"`
	PriceUnit     string    `json:"priceUnit"`
	Odometer      float64   `json:"odometer"`
	CreatedAt     time.Time `json:"createdAt"`
}

// NormalizedLevels is the /levels view of a TankLevels entry.
type NormalizedLevels struct {
	MainTankLevelLiters float64 `json:"mainTankLevelLiters"`
	AuxTankLevelLiters  float64 `json:"auxTankLevelLiters"`
	PricePerLiter       float64 `json:"pricePerLiter"`
	Odometer            float64 `json:"odometer"`
}

// Validate checks that an edit is usable. Unit tags are not checked here:
// an unknown tag falls back to the non-metric unit on conversion.
func (l TankLevels) Validate() error {
	if l.MainTankLevel < 0 {
		return errors.New("mainTankLevel cannot be negative")
	}
	if l.AuxTankLevel < 0 {
		return errors.New("auxTankLevel cannot be negative")
	}
	if l.MainTankPrice < 0 {
		return errors.New("mainTankPrice cannot be negative")
	}
	if l.Odometer < 0 {
		return errors.New("odometer cannot be negative")
	}
	return nil
}
