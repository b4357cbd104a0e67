package report

import (
	"bytes"
	"image/png"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ARGOS/internal/astro"
	"ARGOS/internal/catalog"
	"ARGOS/internal/detection"
	"ARGOS/internal/lightcurve"
	"ARGOS/internal/observation"
)

func sampleObservation(conf astro.Confidence) *observation.Observation {
	star := catalog.NewStar(261155555, 48.12346, -60.5, 9.876, 0.45, 3500)
	det := detection.Result{Period: 3.7, T0: 1401.3, Duration: 0.1, Depth: 0.005, SDE: 18.24}
	curve := &lightcurve.LightCurve{}
	for i := 0; i < 2000; i++ {
		ti := 1400 + float64(i)*0.01
		f := 1.0 + 0.0005*math.Sin(float64(i))
		if math.Abs(lightcurve.PhaseOf(ti, det.Period, det.T0)) < det.Duration/2 {
			f -= det.Depth
		}
		curve.Time = append(curve.Time, ti)
		curve.Flux = append(curve.Flux, f)
	}
	return &observation.Observation{
		RunID:       "run-1",
		Star:        star,
		Sector:      1,
		Author:      "SPOC",
		Detection:   det,
		Planet:      astro.Characterize(star, det.Period, det.Depth, det.Duration),
		Confidence:  conf,
		ProcessedAt: time.Date(2025, 1, 2, 3, 4, 0, 0, time.UTC),
		Curve:       curve,
	}
}

func TestCardContents(t *testing.T) {
	obs := sampleObservation(astro.High)
	card := Card(obs, "REPORT_261155555_ARGOS_v2.1.png")

	for _, want := range []string{
		"# EXOPLANET IDENTITY CARD",
		"**System:** TIC 261155555",
		"Coordinates: RA 48.1235 / DEC -60.5000",
		"Visibility: South | Mag: 9.88 | Type: M",
		"Temperature: 3500 K",
		"Period: 3.7000 days | Duration: 2.40 hrs",
		"Depth: 0.500 % | Detection Score (SDE): 18.2",
		"**Confidence Level: HIGH** (green)",
		"](REPORT_261155555_ARGOS_v2.1.png)",
	} {
		assert.Contains(t, card, want)
	}
	assert.NotContains(t, card, "SINGLE TRANSIT DETECTED")

	single := Card(sampleObservation(astro.SingleTransit), "")
	assert.Contains(t, single, "POTENTIAL SINGLE TRANSIT DETECTED")
	assert.False(t, strings.Contains(single, "!["))
}

func TestCardMissingMagnitude(t *testing.T) {
	obs := sampleObservation(astro.Low)
	obs.Star.Tmag = math.NaN()
	assert.Contains(t, Card(obs, ""), "Mag: nan | Type: M")
}

func TestRenderProducesPNG(t *testing.T) {
	art, err := Render(sampleObservation(astro.Low), Options{Plot: PlotOptions{Width: 300, Height: 150}})
	require.NoError(t, err)
	assert.Equal(t, "REPORT_261155555_ARGOS_v2.1", art.BaseName)

	img, err := png.Decode(bytes.NewReader(art.PNG))
	require.NoError(t, err)
	assert.Equal(t, 300, img.Bounds().Dx())
	assert.Equal(t, 150, img.Bounds().Dy())
	assert.Contains(t, string(art.Markdown), "REPORT_261155555_ARGOS_v2.1.png")
}

func TestRenderWithoutCurve(t *testing.T) {
	obs := sampleObservation(astro.Low)
	obs.Curve = nil
	art, err := Render(obs, Options{Version: "v3"})
	require.NoError(t, err)
	assert.Nil(t, art.PNG)
	assert.Equal(t, "REPORT_261155555_ARGOS_v3", art.BaseName)
}

func TestBinWidth(t *testing.T) {
	assert.InDelta(t, 0.037, BinWidth(3.7, false), 1e-12)
	assert.Equal(t, 0.01, BinWidth(3.7, true))
}

func TestPhasePlotRejectsBadInput(t *testing.T) {
	_, err := PhasePlot(nil, 1, 0, false, PlotOptions{})
	assert.Error(t, err)
	_, err = PhasePlot(sampleObservation(astro.Low).Curve, 0, 0, false, PlotOptions{})
	assert.Error(t, err)
}
