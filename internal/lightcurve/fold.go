package lightcurve

import (
	"math"
	"sort"
)

// Folded 是按周期折叠后的曲线，Phase 以天为单位，范围 [-P/2, P/2)。
type Folded struct {
	Period float64
	Epoch  float64
	Phase  []float64
	Flux   []float64
}

// Fold 以 epoch 为凌星中心按 period 折叠，结果按相位升序排列。
func (lc *LightCurve) Fold(period, epoch float64) *Folded {
	idx := make([]int, lc.Len())
	phase := make([]float64, lc.Len())
	for i, t := range lc.Time {
		idx[i] = i
		phase[i] = PhaseOf(t, period, epoch)
	}
	sort.SliceStable(idx, func(a, b int) bool { return phase[idx[a]] < phase[idx[b]] })

	out := &Folded{
		Period: period,
		Epoch:  epoch,
		Phase:  make([]float64, len(idx)),
		Flux:   make([]float64, len(idx)),
	}
	for i, j := range idx {
		out.Phase[i] = phase[j]
		out.Flux[i] = lc.Flux[j]
	}
	return out
}

// PhaseOf 返回时间 t 相对最近一次凌星中心的偏移（天）。
func PhaseOf(t, period, epoch float64) float64 {
	if period <= 0 {
		return t - epoch
	}
	p := math.Mod(t-epoch+0.5*period, period)
	if p < 0 {
		p += period
	}
	return p - 0.5*period
}

// Bin 以 width 天为宽度对折叠曲线分箱取均值，空箱被省略。
func (f *Folded) Bin(width float64) *Folded {
	out := &Folded{Period: f.Period, Epoch: f.Epoch}
	if width <= 0 || len(f.Phase) == 0 {
		return out
	}
	start := f.Phase[0]
	var (
		current = -1
		sum     float64
		count   int
	)
	flush := func() {
		if count == 0 {
			return
		}
		out.Phase = append(out.Phase, start+(float64(current)+0.5)*width)
		out.Flux = append(out.Flux, sum/float64(count))
	}
	for i, ph := range f.Phase {
		bin := int(math.Floor((ph - start) / width))
		if bin != current {
			flush()
			current, sum, count = bin, 0, 0
		}
		sum += f.Flux[i]
		count++
	}
	flush()
	return out
}
