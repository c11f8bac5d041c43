// Package units converts raw measurement values to each pollutant's canonical
// unit. All functions are pure; conversion factors are fixed at standard
// conditions (25°C, 1 atm, molar volume 24.45 L/mol).
package units

import (
	"errors"
	"fmt"
	"strings"
)

// Canonical unit names as stored.
const (
	UnitMicrogramsPerCubicMeter = "µg/m³"
	UnitMilligramsPerCubicMeter = "mg/m³"
)

// molarVolume is the volume of one mole of an ideal gas at 25°C and 1 atm,
// in liters. Used for ppm/ppb to mass-per-volume conversion.
const molarVolume = 24.45

// pollutant describes one supported parameter: its canonical unit, molar mass
// for gas conversions (0 for particulates), and the hard validity range in
// canonical units.
type pollutant struct {
	canonical string
	molarMass float64 // g/mol, 0 when ppm/ppb conversion is undefined
	rangeMin  float64
	rangeMax  float64
}

// pollutants is the closed set of parameters this pipeline tracks. Anything
// else in an export (temperature, humidity, pressure) is not a measurement we
// ingest.
var pollutants = map[string]pollutant{
	"pm25": {canonical: UnitMicrogramsPerCubicMeter, rangeMin: 0, rangeMax: 1500},
	"pm10": {canonical: UnitMicrogramsPerCubicMeter, rangeMin: 0, rangeMax: 2000},
	"no2":  {canonical: UnitMicrogramsPerCubicMeter, molarMass: 46.01, rangeMin: 0, rangeMax: 2000},
	"so2":  {canonical: UnitMicrogramsPerCubicMeter, molarMass: 64.07, rangeMin: 0, rangeMax: 2600},
	"o3":   {canonical: UnitMicrogramsPerCubicMeter, molarMass: 48.00, rangeMin: 0, rangeMax: 1200},
	"co":   {canonical: UnitMilligramsPerCubicMeter, molarMass: 28.01, rangeMin: 0, rangeMax: 300},
}

// parameterAliases maps source spellings to canonical parameter codes.
var parameterAliases = map[string]string{
	"pm25":  "pm25",
	"pm2.5": "pm25",
	"pm2_5": "pm25",
	"pm10":  "pm10",
	"no2":   "no2",
	"so2":   "so2",
	"o3":    "o3",
	"ozone": "o3",
	"co":    "co",
}

// ConversionError reports a unit conversion that could not be performed.
// Callers must treat it as non-fatal to the record: the reading is kept with
// normalized fields empty and a conversion-failed flag.
type ConversionError struct {
	Parameter string
	Unit      string
	Reason    string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("cannot convert %s %q: %s", e.Parameter, e.Unit, e.Reason)
}

// Result is a successful normalization. Assumed is true when the raw unit was
// unrecognized and the canonical unit was assumed outright.
type Result struct {
	Value   float64
	Unit    string
	Assumed bool
}

// CanonicalParameter resolves a free-text pollutant code from an export to
// its canonical form. ok is false for parameters this pipeline does not track.
func CanonicalParameter(raw string) (string, bool) {
	p, ok := parameterAliases[strings.ToLower(strings.TrimSpace(raw))]
	return p, ok
}

// ValidRange returns the hard validity bounds for a parameter in its
// canonical unit. Values outside the bounds are stored but flagged.
func ValidRange(parameter string) (minVal, maxVal float64, ok bool) {
	p, found := pollutants[parameter]
	if !found {
		return 0, 0, false
	}
	return p.rangeMin, p.rangeMax, true
}

// normalizeUnitString collapses spelling variants: case, µ vs u, superscript
// vs plain 3, embedded spaces.
func normalizeUnitString(unit string) string {
	s := strings.ToLower(strings.TrimSpace(unit))
	s = strings.ReplaceAll(s, "µ", "u")
	s = strings.ReplaceAll(s, "μ", "u") // greek mu, distinct codepoint
	s = strings.ReplaceAll(s, "³", "3")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// ConversionFactor returns the multiplier taking a value in rawUnit to the
// parameter's canonical unit. The factor is exact and invertible, which is
// what makes round-trip conversion lossless up to floating point.
func ConversionFactor(parameter, rawUnit string) (float64, error) {
	p, ok := pollutants[parameter]
	if !ok {
		return 0, &ConversionError{Parameter: parameter, Unit: rawUnit, Reason: "unknown parameter"}
	}

	var toMicrograms float64
	switch normalizeUnitString(rawUnit) {
	case "ug/m3", "ugm3", "ug/m^3":
		toMicrograms = 1
	case "mg/m3", "mgm3", "mg/m^3":
		toMicrograms = 1000
	case "ppm":
		if p.molarMass == 0 {
			return 0, &ConversionError{Parameter: parameter, Unit: rawUnit, Reason: "no gas-phase conversion for particulates"}
		}
		toMicrograms = p.molarMass / molarVolume * 1000
	case "ppb":
		if p.molarMass == 0 {
			return 0, &ConversionError{Parameter: parameter, Unit: rawUnit, Reason: "no gas-phase conversion for particulates"}
		}
		toMicrograms = p.molarMass / molarVolume
	default:
		return 0, &ConversionError{Parameter: parameter, Unit: rawUnit, Reason: "unrecognized unit"}
	}

	if p.canonical == UnitMilligramsPerCubicMeter {
		return toMicrograms / 1000, nil
	}
	return toMicrograms, nil
}

// Normalize converts value from rawUnit to the parameter's canonical unit.
//
// Unknown parameters return a ConversionError. An unrecognized unit string
// falls back to assuming the value is already in the canonical unit, with
// Assumed set so the caller can flag the reading; only conversions that are
// structurally impossible (ppm for particulates) fail.
func Normalize(value float64, rawUnit, parameter string) (Result, error) {
	p, ok := pollutants[parameter]
	if !ok {
		return Result{}, &ConversionError{Parameter: parameter, Unit: rawUnit, Reason: "unknown parameter"}
	}

	factor, err := ConversionFactor(parameter, rawUnit)
	if err != nil {
		var convErr *ConversionError
		if errors.As(err, &convErr) && convErr.Reason == "unrecognized unit" {
			return Result{Value: value, Unit: p.canonical, Assumed: true}, nil
		}
		return Result{}, err
	}

	return Result{Value: value * factor, Unit: p.canonical}, nil
}
