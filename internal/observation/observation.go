// Package observation holds the per-target outcome of an EXOLAB run.
package observation

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"ARGOS/internal/astro"
	"ARGOS/internal/catalog"
	"ARGOS/internal/detection"
	"ARGOS/internal/lightcurve"
)

// Observation is everything learned about one target in a single run.
type Observation struct {
	RunID       string                 `json:"run_id"`
	Star        catalog.Star           `json:"star"`
	Sector      int                    `json:"sector"`
	Author      string                 `json:"author"`
	Points      int                    `json:"points"`
	Detection   detection.Result       `json:"detection"`
	Planet      astro.Characterization `json:"planet"`
	Confidence  astro.Confidence       `json:"confidence"`
	FluxStd     float64                `json:"flux_std"`
	NoisePPM    float64                `json:"noise_ppm"`
	MaxDip      float64                `json:"max_dip"`
	ProcessedAt time.Time              `json:"processed_at"`

	// Curve is the detrended light curve used for the phase plot.
	Curve *lightcurve.LightCurve `json:"-"`
}

// TICID returns the target identifier.
func (o *Observation) TICID() int64 {
	return o.Star.TICID
}

// Target returns the "TIC <id>" display name.
func (o *Observation) Target() string {
	return o.Star.Name()
}

// SingleTransit reports whether the signal was triaged as a lone event.
func (o *Observation) SingleTransit() bool {
	return o.Confidence == astro.SingleTransit
}

// Summary is a one-line description stored as the job result.
func (o *Observation) Summary() string {
	return fmt.Sprintf("%s | P=%.4f d | depth=%.3f %% | SDE=%.1f | %s | %s",
		o.Target(), o.Detection.Period, o.Detection.Depth*100, o.Detection.SDE, o.Planet.HZStatus, o.Confidence)
}

// Fixed formats v with prec decimals. Non-finite values render as nan, inf
// and -inf so exported rows and cards stay readable by pandas and numpy.
func Fixed(v float64, prec int) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'f', prec, 64)
}
