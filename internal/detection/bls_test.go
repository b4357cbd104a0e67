package detection

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ARGOS/internal/astro"
	apperrors "ARGOS/internal/errors"
)

func injectTransit(days, cadence, period, epoch, depth, duration, noise float64) ([]float64, []float64) {
	rng := rand.New(rand.NewPCG(42, 7))
	var t, f []float64
	for ti := 0.0; ti < days; ti += cadence {
		v := 1 + noise*rng.NormFloat64()
		ph := math.Mod(ti-epoch+0.5*period, period) - 0.5*period
		if math.Abs(ph) < duration/2 {
			v -= depth
		}
		t = append(t, 1400+ti)
		f = append(f, v)
	}
	return t, f
}

func TestSearchRecoversInjectedTransit(t *testing.T) {
	tm, flux := injectTransit(27, 10.0/60/24, 3.7, 1.3, 0.005, 0.12, 0.001)

	opts := DefaultOptions()
	opts.Periods = 3000
	opts.Workers = 4
	res, err := Search(context.Background(), tm, flux, constant(len(flux), 0.001), opts)
	require.NoError(t, err)

	assert.InDelta(t, 3.7, res.Period, 0.02)
	assert.InDelta(t, 0.005, res.Depth, 0.0015)
	assert.Contains(t, []float64{0.10, 0.15}, res.Duration)
	assert.Greater(t, res.SDE, 15.0)
	assert.Equal(t, res.Power, res.SDE)
	assert.Greater(t, res.Significance, 10.0)
	assert.Len(t, res.Powers, 3000)

	// t0 必须落在某次凌星附近。
	ph := math.Mod(res.T0-1401.3+0.5*res.Period, res.Period) - 0.5*res.Period
	assert.Less(t, math.Abs(ph), 0.1)
}

func TestSearchIsDeterministicAcrossWorkerCounts(t *testing.T) {
	tm, flux := injectTransit(10, 30.0/60/24, 2.2, 0.4, 0.01, 0.1, 0.002)
	opts := DefaultOptions()
	opts.Periods = 500

	opts.Workers = 1
	a, err := Search(context.Background(), tm, flux, nil, opts)
	require.NoError(t, err)
	opts.Workers = 7
	b, err := Search(context.Background(), tm, flux, nil, opts)
	require.NoError(t, err)

	assert.Equal(t, a.Period, b.Period)
	assert.Equal(t, a.Powers, b.Powers)
}

func TestSearchInsufficientData(t *testing.T) {
	tm := make([]float64, 10)
	flux := make([]float64, 10)
	for i := range tm {
		tm[i] = float64(i)
		flux[i] = 1
	}
	_, err := Search(context.Background(), tm, flux, nil, DefaultOptions())
	assert.Equal(t, CodeInsufficientData, apperrors.CodeOf(err))
}

func TestSearchHonoursCancellation(t *testing.T) {
	tm, flux := injectTransit(5, 30.0/60/24, 1.5, 0.2, 0.01, 0.1, 0.001)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Search(ctx, tm, flux, nil, DefaultOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizedSDE(t *testing.T) {
	assert.Equal(t, 0.0, NormalizedSDE([]float64{2, 2, 2}))
	assert.Equal(t, 0.0, NormalizedSDE(nil))
	assert.InDelta(t, (4-1.75)/math.Sqrt(1.6875), NormalizedSDE([]float64{1, 1, 1, 4}), 1e-12)
}

// 深凌星的最大功率远超 15，不能因为周期图归一化而降级为 LOW。
func TestDeepTransitTriagesHigh(t *testing.T) {
	opts := DefaultOptions()
	opts.Periods = 1500
	for _, depth := range []float64{0.002, 0.01} {
		tm, flux := injectTransit(27, 10.0/60/24, 4.1, 0.7, depth, 0.15, 0.001)
		res, err := Search(context.Background(), tm, flux, constant(len(flux), 0.001), opts)
		require.NoError(t, err)

		assert.InDelta(t, 4.1, res.Period, 0.05)
		assert.Greater(t, res.SDE, 15.0, "depth %g", depth)
		std := 0.0
		for _, v := range flux {
			std += (v - 1) * (v - 1)
		}
		std = math.Sqrt(std / float64(len(flux)))
		assert.Equal(t, astro.High, astro.Triage(res.SDE, res.Depth, depth, std), "depth %g", depth)
	}
}

func TestSearchWeightsByFluxErr(t *testing.T) {
	tm, flux := injectTransit(20, 10.0/60/24, 3.0, 0.5, 0.004, 0.12, 0.001)
	opts := DefaultOptions()
	opts.Periods = 800

	precise, err := Search(context.Background(), tm, flux, constant(len(flux), 0.001), opts)
	require.NoError(t, err)
	noisy, err := Search(context.Background(), tm, flux, constant(len(flux), 0.002), opts)
	require.NoError(t, err)

	// 误差翻倍时逆方差变为四分之一，功率同比例下降，峰值位置不变。
	assert.Equal(t, precise.Period, noisy.Period)
	assert.InDelta(t, precise.SDE/4, noisy.SDE, precise.SDE*1e-9)

	// 缺失或非法误差用有效误差中位数补齐。
	errs := constant(len(flux), 0.001)
	errs[3], errs[9] = math.NaN(), -1
	filled, err := Search(context.Background(), tm, flux, errs, opts)
	require.NoError(t, err)
	assert.InDelta(t, precise.SDE, filled.SDE, precise.SDE*1e-9)

	_, err = Search(context.Background(), tm, flux, errs[:5], opts)
	assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err))
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestLinspaceEndpoints(t *testing.T) {
	grid := linspace(0.5, 20, 5000)
	assert.Equal(t, 0.5, grid[0])
	assert.Equal(t, 20.0, grid[4999])
}
