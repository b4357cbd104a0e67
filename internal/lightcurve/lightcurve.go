package lightcurve

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	apperrors "ARGOS/internal/errors"
)

const (
	// CodeNotFound 表示档案中没有可用的光变曲线，目标将被跳过。
	CodeNotFound apperrors.Code = "LIGHTCURVE_NOT_FOUND"
	// CodeInvalid 表示光变曲线文件或数据无法使用。
	CodeInvalid apperrors.Code = "LIGHTCURVE_INVALID"
)

// DefaultQualityBitmask 对应 TESS 的 default 质量掩码。
const DefaultQualityBitmask = 175

func init() {
	apperrors.Register(CodeNotFound, apperrors.Attributes{
		Message:  "no light curve available",
		Severity: apperrors.SeverityInfo,
	})
	apperrors.Register(CodeInvalid, apperrors.Attributes{
		Message:  "invalid light curve",
		Severity: apperrors.SeverityWarning,
	})
}

// LightCurve 保存单个扇区的时间序列，各切片按下标一一对应。
type LightCurve struct {
	TICID   int64
	Sector  int
	Author  string
	Mission string
	// Cadence 为采样间隔，单位为天。
	Cadence float64

	Time    []float64
	Flux    []float64
	FluxErr []float64
	Quality []int32
}

// Len 返回采样点数量。
func (lc *LightCurve) Len() int {
	if lc == nil {
		return 0
	}
	return len(lc.Time)
}

// Validate 检查各列长度一致且数据非空。
func (lc *LightCurve) Validate() error {
	if lc == nil || len(lc.Time) == 0 {
		return apperrors.New(CodeInvalid, "光变曲线为空")
	}
	if len(lc.Flux) != len(lc.Time) {
		return apperrors.New(CodeInvalid, fmt.Sprintf("flux 长度 %d 与 time 长度 %d 不一致", len(lc.Flux), len(lc.Time)))
	}
	if lc.FluxErr != nil && len(lc.FluxErr) != len(lc.Time) {
		return apperrors.New(CodeInvalid, "flux_err 长度与 time 不一致")
	}
	if lc.Quality != nil && len(lc.Quality) != len(lc.Time) {
		return apperrors.New(CodeInvalid, "quality 长度与 time 不一致")
	}
	return nil
}

// Clone 返回深拷贝。
func (lc *LightCurve) Clone() *LightCurve {
	if lc == nil {
		return nil
	}
	clone := *lc
	clone.Time = cloneFloats(lc.Time)
	clone.Flux = cloneFloats(lc.Flux)
	clone.FluxErr = cloneFloats(lc.FluxErr)
	if lc.Quality != nil {
		clone.Quality = append([]int32(nil), lc.Quality...)
	}
	return &clone
}

// filter 返回只保留 keep 为真的采样点的新曲线。
func (lc *LightCurve) filter(keep func(i int) bool) *LightCurve {
	out := &LightCurve{
		TICID:   lc.TICID,
		Sector:  lc.Sector,
		Author:  lc.Author,
		Mission: lc.Mission,
		Cadence: lc.Cadence,
		Time:    make([]float64, 0, len(lc.Time)),
		Flux:    make([]float64, 0, len(lc.Flux)),
	}
	if lc.FluxErr != nil {
		out.FluxErr = make([]float64, 0, len(lc.FluxErr))
	}
	if lc.Quality != nil {
		out.Quality = make([]int32, 0, len(lc.Quality))
	}
	for i := range lc.Time {
		if !keep(i) {
			continue
		}
		out.Time = append(out.Time, lc.Time[i])
		out.Flux = append(out.Flux, lc.Flux[i])
		if lc.FluxErr != nil {
			out.FluxErr = append(out.FluxErr, lc.FluxErr[i])
		}
		if lc.Quality != nil {
			out.Quality = append(out.Quality, lc.Quality[i])
		}
	}
	return out
}

// ApplyQualityMask 丢弃质量标记命中 bitmask 的采样点以及时间或流量非有限的点。
func (lc *LightCurve) ApplyQualityMask(bitmask int32) *LightCurve {
	return lc.filter(func(i int) bool {
		if lc.Quality != nil && lc.Quality[i]&bitmask != 0 {
			return false
		}
		return finite(lc.Time[i]) && finite(lc.Flux[i])
	})
}

// Normalize 将流量与误差除以流量中位数。
func (lc *LightCurve) Normalize() (*LightCurve, error) {
	median := Median(lc.Flux)
	if !(median > 0) {
		return nil, apperrors.New(CodeInvalid, fmt.Sprintf("流量中位数 %g 无法归一化", median))
	}
	out := lc.Clone()
	floats.Scale(1/median, out.Flux)
	floats.Scale(1/median, out.FluxErr)
	return out, nil
}

// RemoveOutliers 以中位数为中心迭代 sigma 裁剪，删除上下两侧的离群点。
func (lc *LightCurve) RemoveOutliers(sigma float64, maxIters int) *LightCurve {
	if sigma <= 0 {
		sigma = 5
	}
	if maxIters <= 0 {
		maxIters = 5
	}
	keep := make([]bool, len(lc.Flux))
	for i, v := range lc.Flux {
		keep[i] = finite(v)
	}
	buf := make([]float64, 0, len(lc.Flux))
	for iter := 0; iter < maxIters; iter++ {
		buf = buf[:0]
		for i, v := range lc.Flux {
			if keep[i] {
				buf = append(buf, v)
			}
		}
		if len(buf) < 3 {
			break
		}
		center := Median(buf)
		spread := Std(buf)
		if spread == 0 {
			break
		}
		changed := false
		for i, v := range lc.Flux {
			if keep[i] && math.Abs(v-center) > sigma*spread {
				keep[i] = false
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return lc.filter(func(i int) bool { return keep[i] })
}

// Std 返回流量的总体标准差。
func (lc *LightCurve) Std() float64 {
	return Std(lc.Flux)
}

// MaxDip 返回归一化流量相对 1 的最大偏离。
func (lc *LightCurve) MaxDip() float64 {
	dip := 0.0
	for _, v := range lc.Flux {
		if d := math.Abs(v - 1); d > dip {
			dip = d
		}
	}
	return dip
}

// Median 返回有限值的中位数，没有有限值时返回 NaN。偶数个时取中间两值的均值。
func Median(values []float64) float64 {
	buf := make([]float64, 0, len(values))
	for _, v := range values {
		if finite(v) {
			buf = append(buf, v)
		}
	}
	if len(buf) == 0 {
		return math.NaN()
	}
	sort.Float64s(buf)
	if len(buf)%2 == 1 {
		return stat.Quantile(0.5, stat.Empirical, buf, nil)
	}
	mid := len(buf) / 2
	return stat.Mean(buf[mid-1:mid+1], nil)
}

// Mean 返回算术平均值。
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return stat.Mean(values, nil)
}

// Std 返回总体标准差（ddof=0）。
func Std(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.PopStdDev(values, nil)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func cloneFloats(in []float64) []float64 {
	if in == nil {
		return nil
	}
	return append([]float64(nil), in...)
}
