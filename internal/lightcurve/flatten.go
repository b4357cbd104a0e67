package lightcurve

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	apperrors "ARGOS/internal/errors"
)

// FlattenOptions 控制 Savitzky-Golay 去趋势。
type FlattenOptions struct {
	WindowLength   int
	PolyOrder      int
	Sigma          float64
	Iterations     int
	BreakTolerance float64
}

// DefaultFlattenOptions 返回 401 点窗口的默认去趋势参数。
func DefaultFlattenOptions() FlattenOptions {
	return FlattenOptions{
		WindowLength:   401,
		PolyOrder:      2,
		Sigma:          3,
		Iterations:     3,
		BreakTolerance: 5,
	}
}

func (o FlattenOptions) normalized() FlattenOptions {
	def := DefaultFlattenOptions()
	if o.WindowLength <= 0 {
		o.WindowLength = def.WindowLength
	}
	if o.WindowLength%2 == 0 {
		o.WindowLength++
	}
	if o.PolyOrder <= 0 {
		o.PolyOrder = def.PolyOrder
	}
	if o.Sigma <= 0 {
		o.Sigma = def.Sigma
	}
	if o.Iterations <= 0 {
		o.Iterations = def.Iterations
	}
	if o.BreakTolerance <= 0 {
		o.BreakTolerance = def.BreakTolerance
	}
	return o
}

// Flatten 在按时间间隙切分的各段上拟合 Savitzky-Golay 趋势，迭代剔除偏离趋势的点后
// 用趋势除流量。
func (lc *LightCurve) Flatten(opts FlattenOptions) (*LightCurve, error) {
	if err := lc.Validate(); err != nil {
		return nil, err
	}
	opts = opts.normalized()
	trend := make([]float64, lc.Len())
	for _, seg := range segments(lc.Time, opts.BreakTolerance) {
		segmentTrend(lc.Time[seg[0]:seg[1]], lc.Flux[seg[0]:seg[1]], trend[seg[0]:seg[1]], opts)
	}

	out := lc.Clone()
	for i := range out.Flux {
		if trend[i] == 0 || !finite(trend[i]) {
			return nil, apperrors.New(CodeInvalid, fmt.Sprintf("第 %d 个采样点的趋势无效", i))
		}
		out.Flux[i] /= trend[i]
		if out.FluxErr != nil {
			out.FluxErr[i] /= trend[i]
		}
	}
	return out, nil
}

// segments 在相邻采样间隔超过 tolerance 倍中位间隔处断开，返回 [start, end) 区间。
func segments(t []float64, tolerance float64) [][2]int {
	if len(t) == 0 {
		return nil
	}
	dt := make([]float64, 0, len(t)-1)
	for i := 1; i < len(t); i++ {
		dt = append(dt, t[i]-t[i-1])
	}
	cut := math.Inf(1)
	if med := Median(dt); med > 0 {
		cut = tolerance * med
	}
	var out [][2]int
	start := 0
	for i := 1; i < len(t); i++ {
		if t[i]-t[i-1] > cut {
			out = append(out, [2]int{start, i})
			start = i
		}
	}
	return append(out, [2]int{start, len(t)})
}

func segmentTrend(t, flux, trend []float64, opts FlattenOptions) {
	n := len(flux)
	good := make([]bool, n)
	for i := range good {
		good[i] = true
	}
	residual := make([]float64, n)

	for iter := 0; iter < opts.Iterations; iter++ {
		var gt, gy []float64
		for i := 0; i < n; i++ {
			if good[i] {
				gt = append(gt, t[i])
				gy = append(gy, flux[i])
			}
		}
		if len(gy) == 0 {
			break
		}
		smooth := savgol(gy, opts.WindowLength, opts.PolyOrder)
		for i := 0; i < n; i++ {
			trend[i] = interpolate(t[i], gt, smooth)
			residual[i] = flux[i] - trend[i]
		}

		center := Median(residual)
		spread := Std(residual)
		if spread == 0 {
			break
		}
		kept := 0
		next := make([]bool, n)
		for i := range next {
			next[i] = math.Abs(residual[i]-center) <= opts.Sigma*spread
			if next[i] {
				kept++
			}
		}
		if kept <= opts.PolyOrder+1 {
			break
		}
		good = next
	}
}

// savgol 对等间距序列做 Savitzky-Golay 平滑，两端用首尾窗口的多项式拟合值填充。
func savgol(y []float64, window, order int) []float64 {
	n := len(y)
	out := make([]float64, n)
	if window > n {
		window = n
		if window%2 == 0 {
			window--
		}
	}
	if window <= order {
		mean := Mean(y)
		for i := range out {
			out[i] = mean
		}
		return out
	}
	m := (window - 1) / 2

	center := sgWeights(m, order, 0)
	for i := m; i < n-m; i++ {
		acc := 0.0
		for k, w := range center {
			acc += w * y[i-m+k]
		}
		out[i] = acc
	}
	for i := 0; i < m; i++ {
		head := sgWeights(m, order, i-m)
		tail := sgWeights(m, order, m-i)
		var a, b float64
		for k := 0; k < window; k++ {
			a += head[k] * y[k]
			b += tail[k] * y[n-window+k]
		}
		out[i] = a
		out[n-1-i] = b
	}
	return out
}

// sgWeights 返回在窗口中心偏移 at 处求多项式最小二乘拟合值的权重，坐标按 m 缩放。
func sgWeights(m, order, at int) []float64 {
	size := order + 1
	window := 2*m + 1
	scale := float64(m)
	if scale == 0 {
		scale = 1
	}

	// 设计矩阵 A 的第 k 行为 x_k 的 0..order 次幂。
	design := mat.NewDense(window, size, nil)
	for k := -m; k <= m; k++ {
		x := float64(k) / scale
		for r := 0; r < size; r++ {
			design.Set(k+m, r, math.Pow(x, float64(r)))
		}
	}
	basis := mat.NewVecDense(size, nil)
	x0 := float64(at) / scale
	for r := 0; r < size; r++ {
		basis.SetVec(r, math.Pow(x0, float64(r)))
	}

	// 权重 w = A (AᵀA)⁻¹ p(x0)。
	var ata mat.Dense
	ata.Mul(design.T(), design)
	var coef mat.VecDense
	if err := coef.SolveVec(&ata, basis); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return make([]float64, window)
		}
	}
	weights := mat.NewVecDense(window, nil)
	weights.MulVec(design, &coef)
	return weights.RawVector().Data
}

// interpolate 在有序节点 xs 上线性插值，越界时取端点值。
func interpolate(x float64, xs, ys []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	if x <= xs[0] {
		return ys[0]
	}
	last := len(xs) - 1
	if x >= xs[last] {
		return ys[last]
	}
	lo, hi := 0, last
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if xs[mid] <= x {
			lo = mid
		} else {
			hi = mid
		}
	}
	span := xs[hi] - xs[lo]
	if span == 0 {
		return ys[lo]
	}
	f := (x - xs[lo]) / span
	return ys[lo] + f*(ys[hi]-ys[lo])
}
