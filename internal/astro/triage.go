package astro

// Confidence is the triage class of a detection.
type Confidence string

const (
	SingleTransit Confidence = "SINGLE TRANSIT"
	High          Confidence = "HIGH"
	Low           Confidence = "LOW"
)

// Color is the display color associated with the class.
func (c Confidence) Color() string {
	switch c {
	case SingleTransit:
		return "blue"
	case High:
		return "green"
	default:
		return "red"
	}
}

// Icon is the marker written to the observation log.
func (c Confidence) Icon() string {
	switch c {
	case SingleTransit:
		return "🔵"
	case High:
		return "🟢"
	default:
		return "🔴"
	}
}

// Triage classifies a signal. A weak periodic score with a deep, isolated dip
// takes precedence over the SDE thresholds.
func Triage(sde, depth, maxDip, std float64) Confidence {
	switch {
	case sde < 10 && depth > 0.0015 && maxDip > 3*std:
		return SingleTransit
	case sde >= 15:
		return High
	default:
		return Low
	}
}
