package lightcurve

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"

	"ARGOS/internal/catalog"
	apperrors "ARGOS/internal/errors"
)

// ParseFITS 读取 TESS 光变曲线 FITS 文件中的第一个 BINTABLE 扩展。
// 流量优先取 PDCSAP_FLUX，缺失时回退到 SAP_FLUX 或 FLUX。
func ParseFITS(data []byte) (lc *LightCurve, err error) {
	if !IsFITS(data) {
		return nil, invalid("缺少 SIMPLE = T，非 FITS 文件")
	}
	// 损坏的头（负的 NAXISn、错误类型的 PCOUNT 等）会让解码器 panic。
	defer func() {
		if r := recover(); r != nil {
			lc, err = nil, invalid(fmt.Sprintf("FITS 文件已损坏: %v", r))
		}
	}()

	if err := checkDimensions(data); err != nil {
		return nil, err
	}

	f, err := fitsio.Open(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(CodeInvalid, err, "解析 FITS 失败")
	}
	defer f.Close()

	hdus := f.HDUs()
	if len(hdus) == 0 {
		return nil, invalid("FITS 文件不含任何 HDU")
	}
	primary := hdus[0].Header()
	for _, hdu := range hdus[1:] {
		table, ok := hdu.(*fitsio.Table)
		if !ok || hdu.Type() != fitsio.BINARY_TBL {
			continue
		}
		lc, err := decodeTable(table)
		if err != nil {
			return nil, err
		}
		applyMetadata(lc, primary, table.Header())
		return lc, nil
	}
	return nil, invalid("文件中没有 BINTABLE 扩展")
}

func decodeTable(table *fitsio.Table) (*LightCurve, error) {
	timeCol, ok := scalarColumn(table, "TIME")
	if !ok {
		return nil, invalid("BINTABLE 缺少 TIME 列")
	}
	fluxCol, ok := scalarColumn(table, "PDCSAP_FLUX", "SAP_FLUX", "FLUX")
	if !ok {
		return nil, invalid("BINTABLE 缺少流量列")
	}
	errCol, hasErr := scalarColumn(table, fluxCol.Name+"_ERR", "FLUX_ERR")
	qualCol, hasQual := scalarColumn(table, "QUALITY")

	n := table.NumRows()
	if n < 0 {
		return nil, invalid(fmt.Sprintf("BINTABLE 行数非法: %d", n))
	}
	lc := &LightCurve{
		Time: make([]float64, 0, n),
		Flux: make([]float64, 0, n),
	}
	row := map[string]any{timeCol.Name: nil, fluxCol.Name: nil}
	if hasErr {
		lc.FluxErr = make([]float64, 0, n)
		row[errCol.Name] = nil
	}
	if hasQual {
		lc.Quality = make([]int32, 0, n)
		row[qualCol.Name] = nil
	}

	rows, err := table.Read(0, n)
	if err != nil {
		return nil, apperrors.Wrap(CodeInvalid, err, "读取 BINTABLE 失败")
	}
	defer rows.Close()
	for rows.Next() {
		if err := rows.Scan(&row); err != nil {
			return nil, apperrors.Wrap(CodeInvalid, err, "读取 BINTABLE 行失败")
		}
		lc.Time = append(lc.Time, cell(row, timeCol))
		lc.Flux = append(lc.Flux, cell(row, fluxCol))
		if hasErr {
			lc.FluxErr = append(lc.FluxErr, cell(row, errCol))
		}
		if hasQual {
			lc.Quality = append(lc.Quality, int32(cell(row, qualCol)))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(CodeInvalid, err, "读取 BINTABLE 行失败")
	}
	return lc, nil
}

// scalarColumn 按名称（不区分大小写）返回第一个数值标量列。
func scalarColumn(table *fitsio.Table, names ...string) (*fitsio.Column, bool) {
	for _, name := range names {
		for i, col := range table.Cols() {
			if !strings.EqualFold(strings.TrimSpace(col.Name), name) {
				continue
			}
			switch col.Type().Kind() {
			case reflect.Uint8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Float32, reflect.Float64:
				return table.Col(i), true
			}
		}
	}
	return nil, false
}

func cell(row map[string]any, col *fitsio.Column) float64 {
	var v float64
	switch x := row[col.Name].(type) {
	case float64:
		v = x
	case float32:
		v = float64(x)
	case int64:
		v = float64(x)
	case int32:
		v = float64(x)
	case int16:
		v = float64(x)
	case uint8:
		v = float64(x)
	default:
		return math.NaN()
	}
	return v*col.Bscale + col.Bzero
}

func headerString(h *fitsio.Header, key string) string {
	if card := h.Get(key); card != nil {
		if s, ok := card.Value.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func headerInt(h *fitsio.Header, key string) (int64, bool) {
	card := h.Get(key)
	if card == nil {
		return 0, false
	}
	switch v := card.Value.(type) {
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

func headerFloat(h *fitsio.Header, key string) (float64, bool) {
	card := h.Get(key)
	if card == nil {
		return 0, false
	}
	switch v := card.Value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func applyMetadata(lc *LightCurve, primary, ext *fitsio.Header) {
	if v, ok := headerInt(primary, "TICID"); ok {
		lc.TICID = v
	} else if obj := headerString(primary, "OBJECT"); obj != "" {
		lc.TICID, _ = catalog.ParseTIC(obj)
	}
	if v, ok := headerInt(primary, "SECTOR"); ok {
		lc.Sector = int(v)
	}
	lc.Mission = headerString(primary, "TELESCOP")
	if lc.Mission == "" {
		lc.Mission = headerString(primary, "MISSION")
	}
	if v, ok := headerFloat(ext, "TIMEDEL"); ok {
		lc.Cadence = v
	}
}

// checkDimensions 在交给解码器之前核对每个 HDU 声明的数据区大小，
// 负值、溢出或超出文件长度的声明直接拒绝，避免按伪造尺寸分配内存。
func checkDimensions(data []byte) error {
	const cardLen = 80
	var naxis, pcount int64
	gcount, elem := int64(1), int64(1)
	axes := map[string]int64{}
	off := 0
	for off+cardLen <= len(data) {
		line := string(data[off : off+cardLen])
		off += cardLen
		key := strings.TrimSpace(line[:8])
		if key == "END" {
			size, err := dataSize(naxis, axes, elem, pcount, gcount)
			if err != nil {
				return err
			}
			start := int64(off+fitsBlock-1) / fitsBlock * fitsBlock
			if size > int64(len(data))-start {
				return invalid(fmt.Sprintf("FITS 声明的数据区 %d 字节超出文件长度", size))
			}
			next := start + (size+fitsBlock-1)/fitsBlock*fitsBlock
			off = int(next)
			naxis, axes, elem, pcount, gcount = 0, map[string]int64{}, 1, 0, 1
			continue
		}
		if !strings.HasPrefix(key, "NAXIS") && key != "PCOUNT" && key != "GCOUNT" && key != "BITPIX" {
			continue
		}
		if line[8:10] != "= " {
			continue
		}
		raw := strings.TrimSpace(strings.SplitN(line[10:], "/", 2)[0])
		v, err := strconv.ParseInt(raw, 10, 64)
		if key == "BITPIX" {
			switch v {
			case 8, 16, 32, 64, -32, -64:
				elem = max(v, -v) / 8
			default:
				return invalid(fmt.Sprintf("FITS 关键字 BITPIX 取值非法: %q", raw))
			}
			continue
		}
		if err != nil || v < 0 {
			return invalid(fmt.Sprintf("FITS 关键字 %s 取值非法: %q", key, raw))
		}
		switch key {
		case "NAXIS":
			naxis = v
		case "PCOUNT":
			pcount = v
		case "GCOUNT":
			gcount = v
		default:
			axes[key] = v
		}
	}
	return nil
}

// dataSize 按 FITS 标准计算数据区字节数：|BITPIX|/8 × GCOUNT × (PCOUNT + NAXIS1 × … × NAXISn)。
func dataSize(naxis int64, axes map[string]int64, elem, pcount, gcount int64) (int64, error) {
	if naxis == 0 || gcount == 0 {
		return 0, nil
	}
	overflow := invalid("FITS 数据区尺寸溢出")
	size := int64(1)
	for i := int64(1); i <= naxis; i++ {
		dim := axes["NAXIS"+strconv.FormatInt(i, 10)]
		if dim != 0 && size > math.MaxInt64/dim {
			return 0, overflow
		}
		size *= dim
	}
	if size > math.MaxInt64-pcount {
		return 0, overflow
	}
	size += pcount
	if size > math.MaxInt64/gcount/elem {
		return 0, overflow
	}
	return size * gcount * elem, nil
}

// IsFITS 判断内容是否以 FITS 主头开始。
func IsFITS(data []byte) bool {
	return bytes.HasPrefix(data, []byte("SIMPLE  ="))
}

const fitsBlock = 2880

func invalid(msg string) error {
	return apperrors.New(CodeInvalid, msg)
}
