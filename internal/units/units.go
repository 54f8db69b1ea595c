// Package units converts user-entered tank volumes and fuel prices to their
// metric form.
//
// Only the metric tags ("L" and "/L") are passed through unchanged. Any other
// tag, including an empty or unrecognized one, is treated as the US gallon
// default and converted. Callers that store tags from user input rely on
// this fallback.
package units

import "obd2relay/internal/models"

// LitersPerGallon is fixed so conversions round-trip exactly.
const LitersPerGallon = 3.785

// ToLiters converts a volume tagged "L" or "gal" to liters.
func ToLiters(value float64, unit string) float64 {
	if unit == models.UnitLiters {
		return value
	}
	return value * LitersPerGallon
}

// ToPerLiterPrice converts a price tagged "/L" or "/gal" to price per liter.
func ToPerLiterPrice(value float64, unit string) float64 {
	if unit == models.UnitPerLiter {
		return value
	}
	return value / LitersPerGallon
}

// Normalize returns the metric view of a tank levels entry without
// modifying it.
func Normalize(l models.TankLevels) models.NormalizedLevels {
	return models.NormalizedLevels{
		MainTankLevelLiters: ToLiters(l.MainTankLevel, l.MainTankUnit),
		AuxTankLevelLiters:  ToLiters(l.AuxTankLevel, l.AuxTankUnit),
		PricePerLiter:       ToPerLiterPrice(l.MainTankPrice, l.PriceUnit),
		Odometer:            l.Odometer,
	}
}
