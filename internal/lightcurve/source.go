package lightcurve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	apperrors "ARGOS/internal/errors"
	"ARGOS/internal/mast"
)

// Source 为指定目标提供单扇区光变曲线。
type Source interface {
	Fetch(ctx context.Context, ticID int64) (*LightCurve, error)
}

// LoadFile 按扩展名读取 CSV 或 FITS 文件。
func LoadFile(path string) (*LightCurve, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.Wrap(CodeNotFound, err, "光变曲线文件不存在", apperrors.WithMetadata("path", path))
		}
		return nil, apperrors.Wrap(CodeInvalid, err, "读取光变曲线文件失败", apperrors.WithMetadata("path", path))
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".fits" || ext == ".fit" || IsFITS(raw) {
		return ParseFITS(raw)
	}
	return ParseCSV(bytes.NewReader(raw))
}

// DirectorySource 从本地目录读取 TIC_<id>.csv 或 TIC_<id>.fits，适合离线复现。
type DirectorySource struct {
	Dir string
}

// Fetch 实现 Source 接口。
func (s DirectorySource) Fetch(ctx context.Context, ticID int64) (*LightCurve, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, ext := range []string{".csv", ".fits"} {
		path := filepath.Join(s.Dir, fmt.Sprintf("TIC_%d%s", ticID, ext))
		if _, err := os.Stat(path); err != nil {
			continue
		}
		lc, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if lc.TICID == 0 {
			lc.TICID = ticID
		}
		if lc.Author == "" {
			lc.Author = "LOCAL"
		}
		return lc, nil
	}
	return nil, apperrors.New(CodeNotFound, "目录中没有该目标的光变曲线",
		apperrors.WithMetadata("tic", strconv.FormatInt(ticID, 10)),
		apperrors.WithMetadata("dir", s.Dir))
}

// Archive 是 MAST 客户端中被光变曲线检索使用的部分。
type Archive interface {
	Invoke(ctx context.Context, service string, params map[string]any, filters []mast.Filter) ([]gjson.Result, error)
	Download(ctx context.Context, dataURI string) ([]byte, error)
}

// ArchiveSource 在 MAST 上检索 TESS 时间序列产品并下载首个扇区。
type ArchiveSource struct {
	archive Archive
	author  string
}

// NewArchiveSource 创建档案源，author 为优先选用的处理管线（默认 SPOC）。
func NewArchiveSource(archive Archive, author string) *ArchiveSource {
	if strings.TrimSpace(author) == "" {
		author = "SPOC"
	}
	return &ArchiveSource{archive: archive, author: author}
}

type observation struct {
	obsID    string
	author   string
	sector   int64
	exposure float64
}

// Fetch 实现 Source 接口：优先作者匹配的产品，没有时退回任意作者。
func (s *ArchiveSource) Fetch(ctx context.Context, ticID int64) (*LightCurve, error) {
	obs, err := s.search(ctx, ticID)
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, apperrors.New(CodeNotFound, "MAST 中没有该目标的 TESS 光变曲线",
			apperrors.WithMetadata("tic", strconv.FormatInt(ticID, 10)))
	}
	chosen := obs[0]

	products, err := s.archive.Invoke(ctx, "Mast.Caom.Products", map[string]any{"obsid": chosen.obsID}, nil)
	if err != nil {
		return nil, err
	}
	uri := lightCurveURI(products)
	if uri == "" {
		return nil, apperrors.New(CodeNotFound, "观测中没有 LC 产品",
			apperrors.WithMetadata("obsid", chosen.obsID))
	}

	raw, err := s.archive.Download(ctx, uri)
	if err != nil {
		return nil, err
	}
	lc, err := ParseFITS(raw)
	if err != nil {
		return nil, err
	}
	if lc.TICID == 0 {
		lc.TICID = ticID
	}
	if lc.Sector == 0 {
		lc.Sector = int(chosen.sector)
	}
	lc.Author = chosen.author
	return lc, nil
}

func (s *ArchiveSource) search(ctx context.Context, ticID int64) ([]observation, error) {
	rows, err := s.archive.Invoke(ctx, "Mast.Caom.Filtered", nil, []mast.Filter{
		mast.Eq("obs_collection", "TESS"),
		mast.Eq("dataproduct_type", "timeseries"),
		mast.Eq("target_name", strconv.FormatInt(ticID, 10)),
	})
	if err != nil {
		return nil, err
	}

	var all, preferred []observation
	for _, row := range rows {
		o := observation{
			obsID:    row.Get("obsid").String(),
			author:   row.Get("provenance_name").String(),
			sector:   row.Get("sequence_number").Int(),
			exposure: row.Get("t_exptime").Float(),
		}
		if o.obsID == "" {
			continue
		}
		all = append(all, o)
		if strings.EqualFold(o.author, s.author) {
			preferred = append(preferred, o)
		}
	}
	if len(preferred) > 0 {
		all = preferred
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].sector != all[j].sector {
			return all[i].sector < all[j].sector
		}
		return all[i].exposure < all[j].exposure
	})
	return all, nil
}

// lightCurveURI 选出产品列表中的 LC 文件。
func lightCurveURI(products []gjson.Result) string {
	for _, p := range products {
		if strings.EqualFold(p.Get("productSubGroupDescription").String(), "LC") {
			return p.Get("dataURI").String()
		}
	}
	for _, p := range products {
		if strings.HasSuffix(strings.ToLower(p.Get("productFilename").String()), "lc.fits") {
			return p.Get("dataURI").String()
		}
	}
	return ""
}
