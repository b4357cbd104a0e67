// Package astro derives planetary characteristics from a detected transit and
// triages the signal into confidence classes.
package astro

import (
	"math"

	"ARGOS/internal/catalog"
)

const (
	// earthRadiiPerSolar converts solar radii into Earth radii.
	earthRadiiPerSolar = 109.1
	// solarRadiiPerAU converts AU into solar radii.
	solarRadiiPerAU  = 215.0
	bondAlbedoFactor = 0.7
	solarTeff        = 5778.0
	kelvinOffset     = 273.15

	HabitableStatus = "IN HABITABLE ZONE"
	OutsideStatus   = "OUTSIDE HZ"
)

// Characterization holds the derived planet properties.
type Characterization struct {
	StellarMass   float64 `json:"stellar_mass"`
	DistanceAU    float64 `json:"distance_au"`
	PlanetRadius  float64 `json:"planet_radius"`
	EquilibriumK  float64 `json:"equilibrium_k"`
	EquilibriumC  float64 `json:"equilibrium_c"`
	Insolation    float64 `json:"insolation"`
	Habitable     bool    `json:"habitable"`
	HZStatus      string  `json:"hz_status"`
	DurationHours float64 `json:"duration_hours"`
}

// Characterize applies the mass-radius, Kepler and equilibrium temperature
// relations to a transit of the given period (days), depth and duration (days).
func Characterize(star catalog.Star, period, depth, duration float64) Characterization {
	mass := 0.6 * star.Radius
	dist := math.Pow(period/365.25, 2.0/3.0) * math.Cbrt(mass)
	rp := math.Sqrt(math.Max(depth, 0)) * star.Radius * earthRadiiPerSolar
	teq := star.Teff * math.Sqrt(star.Radius/(2*dist*solarRadiiPerAU)) * math.Pow(bondAlbedoFactor, 0.25)
	insolation := math.Pow(star.Teff/solarTeff, 4) * math.Pow(star.Radius/dist, 2)
	habitable := insolation >= 0.5 && insolation <= 2.0

	status := OutsideStatus
	if habitable {
		status = HabitableStatus
	}
	return Characterization{
		StellarMass:   mass,
		DistanceAU:    dist,
		PlanetRadius:  rp,
		EquilibriumK:  teq,
		EquilibriumC:  teq - kelvinOffset,
		Insolation:    insolation,
		Habitable:     habitable,
		HZStatus:      status,
		DurationHours: duration * 24,
	}
}
