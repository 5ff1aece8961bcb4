package adapters

import (
	"fmt"
	"strings"

	"github.com/i474232898/airquality-fusion/internal/airquality"
)

// molarVolume is litres per mole of air at 25 C and 1 atm.
const molarVolume = 24.45

var molecularWeight = map[airquality.Variable]float64{
	airquality.NO2:  46.01,
	airquality.O3:   48.00,
	airquality.SO2:  64.07,
	airquality.CO:   28.01,
	airquality.HCHO: 30.03,
}

// toCanonical converts a value reported in a feed's unit into the variable's
// canonical unit.
func toCanonical(v airquality.Variable, value float64, unit string) (float64, error) {
	from, err := parseUnit(unit)
	if err != nil {
		return 0, err
	}
	to := airquality.CanonicalUnit(v)
	if from == to {
		return value, nil
	}

	switch {
	case from == airquality.UnitPPM && to == airquality.UnitPPB:
		return value * 1000, nil
	case from == airquality.UnitPPB && to == airquality.UnitPPM:
		return value / 1000, nil
	case from == airquality.UnitUGM3:
		mw, ok := molecularWeight[v]
		if !ok {
			break
		}
		ppb := value * molarVolume / mw
		if to == airquality.UnitPPM {
			return ppb / 1000, nil
		}
		return ppb, nil
	}
	return 0, fmt.Errorf("cannot convert %s from %s to %s", v, from, to)
}

func parseUnit(unit string) (airquality.Unit, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "ppb":
		return airquality.UnitPPB, nil
	case "ppm":
		return airquality.UnitPPM, nil
	case "ug/m3", "µg/m³", "ug/m^3", "µg/m3":
		return airquality.UnitUGM3, nil
	}
	return "", fmt.Errorf("unknown unit %q", unit)
}

// groundAccuracy is the point accuracy of a regulatory monitor: a relative
// error with an absolute floor, in canonical units.
var groundAccuracy = map[airquality.Variable]struct{ rel, floor float64 }{
	airquality.NO2:  {0.05, 2},
	airquality.O3:   {0.05, 2},
	airquality.SO2:  {0.05, 1},
	airquality.CO:   {0.05, 0.1},
	airquality.PM25: {0.10, 2},
	airquality.PM10: {0.10, 3},
	airquality.HCHO: {0.10, 1},
}

func groundUncertainty(v airquality.Variable, value float64) float64 {
	acc, ok := groundAccuracy[v]
	if !ok {
		acc.rel, acc.floor = 0.1, 1
	}
	return max(acc.floor, acc.rel*value)
}

// weatherAccuracy is the measurement accuracy of a weather reading.
var weatherAccuracy = map[airquality.Variable]float64{
	airquality.Temperature:   0.5,
	airquality.Humidity:      5,
	airquality.WindSpeed:     0.5,
	airquality.Pressure:      1,
	airquality.Precipitation: 0.2,
}
