package lightcurve

// PrepareOptions 汇总检测前的预处理参数。
type PrepareOptions struct {
	QualityBitmask int32
	Flatten        FlattenOptions
	OutlierSigma   float64
	OutlierIters   int
}

// DefaultPrepareOptions 返回质量掩码、归一化、401 点去趋势与 5σ 离群剔除的默认组合。
func DefaultPrepareOptions() PrepareOptions {
	return PrepareOptions{
		QualityBitmask: DefaultQualityBitmask,
		Flatten:        DefaultFlattenOptions(),
		OutlierSigma:   5,
		OutlierIters:   5,
	}
}

// Prepare 依次执行质量掩码、归一化、去趋势与离群剔除。
func Prepare(lc *LightCurve, opts PrepareOptions) (*LightCurve, error) {
	if err := lc.Validate(); err != nil {
		return nil, err
	}
	masked := lc.ApplyQualityMask(opts.QualityBitmask)
	if masked.Len() == 0 {
		return nil, invalid("质量掩码后没有剩余的采样点")
	}
	normalized, err := masked.Normalize()
	if err != nil {
		return nil, err
	}
	flat, err := normalized.Flatten(opts.Flatten)
	if err != nil {
		return nil, err
	}
	return flat.RemoveOutliers(opts.OutlierSigma, opts.OutlierIters), nil
}
