// Package report renders the exoplanet identity card: a Markdown summary and a
// phase-folded photometric plot.
package report

import (
	"bytes"
	"fmt"
	"strings"

	"ARGOS/internal/observation"
)

// DefaultVersion tags report file names.
const DefaultVersion = "v2.1"

// BaseName returns the report file name without extension.
func BaseName(ticID int64, version string) string {
	if version == "" {
		version = DefaultVersion
	}
	return fmt.Sprintf("REPORT_%d_ARGOS_%s", ticID, version)
}

// Card renders the identity card as Markdown. plotName, when set, is linked as
// the photometric signature image.
func Card(obs *observation.Observation, plotName string) string {
	var b strings.Builder
	star := obs.Star
	planet := obs.Planet
	det := obs.Detection

	b.WriteString("# EXOPLANET IDENTITY CARD\n\n")
	fmt.Fprintf(&b, "**System:** %s\n\n", obs.Target())
	if obs.SingleTransit() {
		b.WriteString("> ⚠️ POTENTIAL SINGLE TRANSIT DETECTED\n\n")
	}

	b.WriteString("## STAR\n\n")
	fmt.Fprintf(&b, "- Coordinates: RA %s / DEC %s\n", observation.Fixed(star.RA, 4), observation.Fixed(star.Dec, 4))
	fmt.Fprintf(&b, "- Visibility: %s | Mag: %s | Type: %s\n", star.Hemisphere(), observation.Fixed(star.Tmag, 2), star.Spectral)
	fmt.Fprintf(&b, "- Stellar Radius: %s R_Sun | Temperature: %s K\n\n", observation.Fixed(star.Radius, 2), observation.Fixed(star.Teff, 0))

	b.WriteString("## PLANET\n\n")
	fmt.Fprintf(&b, "- Radius: %s Earth Radii | HZ Status: %s\n", observation.Fixed(planet.PlanetRadius, 2), planet.HZStatus)
	fmt.Fprintf(&b, "- Orbital Distance: %s AU | Equilibrium Temp: %s K\n", observation.Fixed(planet.DistanceAU, 4), observation.Fixed(planet.EquilibriumK, 1))
	fmt.Fprintf(&b, "- Insolation: %sx Earth flux\n\n", observation.Fixed(planet.Insolation, 2))

	b.WriteString("## TRANSIT\n\n")
	fmt.Fprintf(&b, "- Period: %.4f days | Duration: %.2f hrs\n", det.Period, planet.DurationHours)
	fmt.Fprintf(&b, "- Depth: %.3f %% | Detection Score (SDE): %.1f\n\n", det.Depth*100, det.SDE)

	fmt.Fprintf(&b, "**Confidence Level: %s** (%s)\n", obs.Confidence, obs.Confidence.Color())

	if plotName != "" {
		fmt.Fprintf(&b, "\n![Photometric Signature: %s](%s)\n", obs.Target(), plotName)
	}
	if obs.RunID != "" {
		fmt.Fprintf(&b, "\n<sub>run %s · sector %d · %s · %s</sub>\n",
			obs.RunID, obs.Sector, obs.Author, obs.ProcessedAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	return b.String()
}

// Artifacts are the rendered report files.
type Artifacts struct {
	BaseName string
	Markdown []byte
	PNG      []byte
}

// Options controls report rendering.
type Options struct {
	Version string
	Plot    PlotOptions
	// SkipPlot renders only the Markdown card.
	SkipPlot bool
}

// Render builds both report files for an observation.
func Render(obs *observation.Observation, opts Options) (*Artifacts, error) {
	art := &Artifacts{BaseName: BaseName(obs.TICID(), opts.Version)}
	plotName := ""
	if !opts.SkipPlot && obs.Curve != nil && obs.Curve.Len() > 0 {
		img, err := PhasePlot(obs.Curve, obs.Detection.Period, obs.Detection.T0, obs.SingleTransit(), opts.Plot)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := EncodePNG(&buf, img); err != nil {
			return nil, err
		}
		art.PNG = buf.Bytes()
		plotName = art.BaseName + ".png"
	}
	art.Markdown = []byte(Card(obs, plotName))
	return art, nil
}

