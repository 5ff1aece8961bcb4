package airquality

import "math"

type breakpoint struct {
	cLo, cHi float64
	iLo, iHi float64
}

// EPA breakpoints in each pollutant's canonical unit.
var aqiBreakpoints = map[Variable][]breakpoint{
	PM25: {
		{0, 12.0, 0, 50}, {12.1, 35.4, 51, 100}, {35.5, 55.4, 101, 150},
		{55.5, 150.4, 151, 200}, {150.5, 250.4, 201, 300}, {250.5, 350.4, 301, 400}, {350.5, 500.4, 401, 500},
	},
	PM10: {
		{0, 54, 0, 50}, {55, 154, 51, 100}, {155, 254, 101, 150},
		{255, 354, 151, 200}, {355, 424, 201, 300}, {425, 504, 301, 400}, {505, 604, 401, 500},
	},
	O3: {
		{0, 54, 0, 50}, {55, 70, 51, 100}, {71, 85, 101, 150},
		{86, 105, 151, 200}, {106, 200, 201, 300}, {201, 504, 301, 400}, {505, 604, 401, 500},
	},
	NO2: {
		{0, 53, 0, 50}, {54, 100, 51, 100}, {101, 360, 101, 150},
		{361, 649, 151, 200}, {650, 1249, 201, 300}, {1250, 1649, 301, 400}, {1650, 2049, 401, 500},
	},
	SO2: {
		{0, 35, 0, 50}, {36, 75, 51, 100}, {76, 185, 101, 150},
		{186, 304, 151, 200}, {305, 604, 201, 300}, {605, 804, 301, 400}, {805, 1004, 401, 500},
	},
	CO: {
		{0, 4.4, 0, 50}, {4.5, 9.4, 51, 100}, {9.5, 12.4, 101, 150},
		{12.5, 15.4, 151, 200}, {15.5, 30.4, 201, 300}, {30.5, 40.4, 301, 400}, {40.5, 50.4, 401, 500},
	},
}

// AQI category lower bounds, also used as alert thresholds.
const (
	ThresholdModerate      = 51
	ThresholdSensitive     = 101
	ThresholdUnhealthy     = 151
	ThresholdVeryUnhealthy = 201
	ThresholdHazardous     = 301
	maxAQI                 = 500
)

// DefaultThresholds are the AQI values whose crossing raises an event.
var DefaultThresholds = []int{ThresholdModerate, ThresholdSensitive, ThresholdUnhealthy, ThresholdVeryUnhealthy, ThresholdHazardous}

// ComputeAQI returns the sub-index for a concentration in the pollutant's
// canonical unit. ok is false for pollutants without breakpoints.
func ComputeAQI(p Variable, concentration float64) (aqi int, ok bool) {
	bps, ok := aqiBreakpoints[p]
	if !ok {
		return 0, false
	}
	c := math.Max(0, concentration)
	for _, bp := range bps {
		if c <= bp.cHi {
			// Values in the gap between two segments belong to the upper one.
			c = math.Max(c, bp.cLo)
			v := (bp.iHi-bp.iLo)/(bp.cHi-bp.cLo)*(c-bp.cLo) + bp.iLo
			return int(math.Round(v)), true
		}
	}
	return maxAQI, true
}

// Category names the AQI band.
func Category(aqi int) string {
	switch {
	case aqi >= ThresholdHazardous:
		return "Hazardous"
	case aqi >= ThresholdVeryUnhealthy:
		return "Very Unhealthy"
	case aqi >= ThresholdUnhealthy:
		return "Unhealthy"
	case aqi >= ThresholdSensitive:
		return "Unhealthy for Sensitive Groups"
	case aqi >= ThresholdModerate:
		return "Moderate"
	default:
		return "Good"
	}
}

var healthAdvice = []struct {
	from   int
	advice []string
}{
	{ThresholdUnhealthy, []string{
		"Avoid outdoor activities, especially strenuous exercise",
		"Keep windows closed and use air purifiers indoors",
		"Consider wearing N95 masks when going outside",
		"People with heart/lung conditions should stay indoors",
	}},
	{ThresholdSensitive, []string{
		"Limit prolonged outdoor activities",
		"Sensitive individuals should reduce outdoor exercise",
		"Consider rescheduling outdoor events",
		"Monitor symptoms if you have respiratory conditions",
	}},
	{ThresholdModerate, []string{
		"Air quality is moderate - most people can enjoy outdoor activities",
		"Unusually sensitive people may experience minor symptoms",
		"Consider reducing prolonged vigorous exercise",
	}},
	{0, []string{"Air quality is good - enjoy outdoor activities!"}},
}

// HealthAdvice returns public guidance for the AQI band.
func HealthAdvice(aqi int) []string {
	for _, band := range healthAdvice {
		if aqi >= band.from {
			return append([]string(nil), band.advice...)
		}
	}
	return nil
}

func annotateAQI(p Variable, value float64) (int, string) {
	aqi, ok := ComputeAQI(p, value)
	if !ok {
		return 0, ""
	}
	return aqi, Category(aqi)
}
