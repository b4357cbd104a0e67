package lightcurve

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

var csvAliases = map[string]string{
	"time":            "time",
	"btjd":            "time",
	"flux":            "flux",
	"pdcsap_flux":     "flux",
	"sap_flux":        "flux",
	"flux_err":        "flux_err",
	"pdcsap_flux_err": "flux_err",
	"quality":         "quality",
}

// ParseCSV 读取带表头的 time,flux[,flux_err][,quality] 文本，允许 # 注释行。
func ParseCSV(r io.Reader) (*LightCurve, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, invalid(fmt.Sprintf("读取 CSV 表头失败: %v", err))
	}
	index := map[string]int{}
	for i, name := range header {
		if canonical, ok := csvAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
			if _, dup := index[canonical]; !dup {
				index[canonical] = i
			}
		}
	}
	if _, ok := index["time"]; !ok {
		return nil, invalid("CSV 缺少 time 列")
	}
	if _, ok := index["flux"]; !ok {
		return nil, invalid("CSV 缺少 flux 列")
	}
	_, hasErr := index["flux_err"]
	_, hasQual := index["quality"]

	lc := &LightCurve{}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, invalid(fmt.Sprintf("读取 CSV 第 %d 行失败: %v", line, err))
		}
		t, err := csvFloat(record, index["time"])
		if err != nil {
			return nil, invalid(fmt.Sprintf("第 %d 行 time: %v", line, err))
		}
		f, err := csvFloat(record, index["flux"])
		if err != nil {
			return nil, invalid(fmt.Sprintf("第 %d 行 flux: %v", line, err))
		}
		lc.Time = append(lc.Time, t)
		lc.Flux = append(lc.Flux, f)
		if hasErr {
			e, err := csvFloat(record, index["flux_err"])
			if err != nil {
				return nil, invalid(fmt.Sprintf("第 %d 行 flux_err: %v", line, err))
			}
			lc.FluxErr = append(lc.FluxErr, e)
		}
		if hasQual {
			q, err := csvFloat(record, index["quality"])
			if err != nil || math.IsNaN(q) {
				return nil, invalid(fmt.Sprintf("第 %d 行 quality 无效", line))
			}
			lc.Quality = append(lc.Quality, int32(q))
		}
	}
	if len(lc.Time) == 0 {
		return nil, invalid("CSV 中没有数据行")
	}
	return lc, nil
}

// csvFloat 把空字段视为 NaN。
func csvFloat(record []string, idx int) (float64, error) {
	if idx >= len(record) {
		return math.NaN(), nil
	}
	raw := strings.TrimSpace(record[idx])
	if raw == "" || strings.EqualFold(raw, "nan") {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(raw, 64)
}
