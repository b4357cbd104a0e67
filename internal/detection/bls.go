package detection

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	apperrors "ARGOS/internal/errors"
)

// CodeInsufficientData 表示采样点过少，无法进行周期搜索。
const CodeInsufficientData apperrors.Code = "DETECTION_INSUFFICIENT_DATA"

// MinPoints 是执行 BLS 所需的最少采样点数。
const MinPoints = 20

func init() {
	apperrors.Register(CodeInsufficientData, apperrors.Attributes{
		Message:  "not enough points for a period search",
		Severity: apperrors.SeverityInfo,
	})
}

// Options 描述 BLS 的周期网格与持续时间集合。
type Options struct {
	MinPeriod  float64
	MaxPeriod  float64
	Periods    int
	Durations  []float64
	Oversample int
	Workers    int
}

// DefaultOptions 返回 0.5 至 20 天、5000 个周期的默认搜索网格。
func DefaultOptions() Options {
	return Options{
		MinPeriod:  0.5,
		MaxPeriod:  20,
		Periods:    5000,
		Durations:  []float64{0.05, 0.10, 0.15, 0.20, 0.25, 0.33},
		Oversample: 10,
	}
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.MinPeriod <= 0 {
		o.MinPeriod = def.MinPeriod
	}
	if o.MaxPeriod <= o.MinPeriod {
		o.MaxPeriod = math.Max(def.MaxPeriod, o.MinPeriod*2)
	}
	if o.Periods < 2 {
		o.Periods = def.Periods
	}
	if len(o.Durations) == 0 {
		o.Durations = def.Durations
	}
	if o.Oversample <= 0 {
		o.Oversample = def.Oversample
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	return o
}

// Result 是周期图中功率最大处的参数，时间单位均为天。
// SDE 即最大对数似然功率本身，Significance 为 (max-mean)/std 归一化值，仅供参考。
type Result struct {
	Period       float64 `json:"period"`
	T0           float64 `json:"t0"`
	Duration     float64 `json:"duration"`
	Depth        float64 `json:"depth"`
	Power        float64 `json:"power"`
	SDE          float64 `json:"sde"`
	Significance float64 `json:"significance"`

	Periods []float64 `json:"-"`
	Powers  []float64 `json:"-"`
}

// DurationHours 返回凌星持续时间（小时）。
func (r *Result) DurationHours() float64 {
	return r.Duration * 24
}

type peak struct {
	power    float64
	depth    float64
	t0       float64
	duration float64
}

// Search 在周期网格上运行按 1/σ² 加权的 Box Least Squares，网格被切分给多个 goroutine 并行计算。
// fluxErr 可以为 nil；缺失或非正的误差用有效误差的中位数代替，全部缺失时用流量标准差。
func Search(ctx context.Context, time, flux, fluxErr []float64, opts Options) (*Result, error) {
	if len(time) != len(flux) {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "time 与 flux 长度不一致")
	}
	if fluxErr != nil && len(fluxErr) != len(flux) {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "flux_err 与 flux 长度不一致")
	}
	t, y, ivar := finiteSamples(time, flux, fluxErr)
	if len(t) < MinPoints {
		return nil, apperrors.New(CodeInsufficientData, fmt.Sprintf("仅有 %d 个有效采样点", len(t)))
	}
	opts = opts.normalized()

	tref := floats.Min(t)
	// 减去加权均值后 Σ ivar·y = 0。
	mean := stat.Mean(y, ivar)
	for i := range y {
		y[i] -= mean
	}

	minDuration := floats.Min(opts.Durations)
	binSize := minDuration / float64(opts.Oversample)

	periods := linspace(opts.MinPeriod, opts.MaxPeriod, opts.Periods)
	peaks := make([]peak, len(periods))

	g, gctx := errgroup.WithContext(ctx)
	chunk := (len(periods) + opts.Workers - 1) / opts.Workers
	for start := 0; start < len(periods); start += chunk {
		lo, hi := start, min(start+chunk, len(periods))
		g.Go(func() error {
			ev := newEvaluator(t, y, ivar, tref, binSize)
			for i := lo; i < hi; i++ {
				if i%64 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				peaks[i] = ev.evaluate(periods[i], opts.Durations)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTimeout, err, "BLS 搜索被取消")
	}

	powers := make([]float64, len(peaks))
	best := 0
	for i, p := range peaks {
		powers[i] = p.power
		if p.power > peaks[best].power {
			best = i
		}
	}
	return &Result{
		Period:       periods[best],
		T0:           peaks[best].t0,
		Duration:     peaks[best].duration,
		Depth:        peaks[best].depth,
		Power:        peaks[best].power,
		SDE:          peaks[best].power,
		Significance: NormalizedSDE(powers),
		Periods:      periods,
		Powers:       powers,
	}, nil
}

// NormalizedSDE 返回 (最大功率 - 平均功率) / 功率标准差，标准差为 0 时返回 0。
func NormalizedSDE(powers []float64) float64 {
	if len(powers) == 0 {
		return 0
	}
	mean, std := stat.PopMeanStdDev(powers, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return (floats.Max(powers) - mean) / std
}

// evaluator 持有单个 worker 复用的相位分箱缓冲区。
type evaluator struct {
	t, y, ivar []float64
	tref       float64
	binSize    float64
	total      float64
	count      []float64
	weight     []float64
	sum        []float64
}

func newEvaluator(t, y, ivar []float64, tref, binSize float64) *evaluator {
	return &evaluator{t: t, y: y, ivar: ivar, tref: tref, binSize: binSize, total: floats.Sum(ivar)}
}

func (e *evaluator) evaluate(period float64, durations []float64) peak {
	nbins := int(math.Ceil(period / e.binSize))
	if cap(e.count) < nbins {
		e.count = make([]float64, nbins)
		e.weight = make([]float64, nbins)
		e.sum = make([]float64, nbins)
	}
	count, weight, sum := e.count[:nbins], e.weight[:nbins], e.sum[:nbins]
	clear(count)
	clear(weight)
	clear(sum)

	for i, ti := range e.t {
		ph := math.Mod(ti-e.tref, period)
		if ph < 0 {
			ph += period
		}
		b := int(ph / e.binSize)
		if b >= nbins {
			b = nbins - 1
		}
		count[b]++
		weight[b] += e.ivar[i]
		sum[b] += e.ivar[i] * e.y[i]
	}

	n := float64(len(e.t))
	var best peak
	for _, d := range durations {
		if d >= period {
			continue
		}
		width := max(1, int(math.Round(d/e.binSize)))
		if width >= nbins {
			continue
		}
		var nIn, wIn, yIn float64
		for b := 0; b < width; b++ {
			nIn += count[b]
			wIn += weight[b]
			yIn += sum[b]
		}
		for start := 0; start < nbins; start++ {
			if nIn > 0 && nIn < n {
				// 窗口外加权和为 -yIn。
				wOut := e.total - wIn
				depth := -yIn/wOut - yIn/wIn
				if depth > 0 {
					power := 0.5 * depth * depth * wIn * wOut / e.total
					if power > best.power {
						center := (float64(start) + float64(width)/2) * e.binSize
						best = peak{
							power:    power,
							depth:    depth,
							t0:       e.tref + math.Mod(center, period),
							duration: d,
						}
					}
				}
			}
			out := start
			in := (start + width) % nbins
			nIn += count[in] - count[out]
			wIn += weight[in] - weight[out]
			yIn += sum[in] - sum[out]
		}
	}
	return best
}

// finiteSamples 丢弃时间或流量非有限的点，并把误差转换为逆方差权重。
func finiteSamples(time, flux, fluxErr []float64) (t, y, ivar []float64) {
	t = make([]float64, 0, len(time))
	y = make([]float64, 0, len(flux))
	dy := make([]float64, 0, len(flux))
	var valid []float64
	for i := range time {
		if !finite(time[i]) || !finite(flux[i]) {
			continue
		}
		t = append(t, time[i])
		y = append(y, flux[i])
		e := math.NaN()
		if fluxErr != nil && finite(fluxErr[i]) && fluxErr[i] > 0 {
			e = fluxErr[i]
			valid = append(valid, e)
		}
		dy = append(dy, e)
	}
	if len(y) == 0 {
		return t, y, nil
	}

	fill := 0.0
	if len(valid) > 0 {
		sort.Float64s(valid)
		fill = stat.Quantile(0.5, stat.Empirical, valid, nil)
	} else {
		fill = stat.PopStdDev(y, nil)
	}
	if !(fill > 0) {
		fill = 1
	}
	ivar = make([]float64, len(dy))
	for i, e := range dy {
		if math.IsNaN(e) {
			e = fill
		}
		ivar[i] = 1 / (e * e)
	}
	return t, y, ivar
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	out[n-1] = hi
	return out
}
