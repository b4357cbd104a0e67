package catalog

import (
	"context"
	"math"
	"strconv"

	"github.com/tidwall/gjson"

	apperrors "ARGOS/internal/errors"
	"ARGOS/internal/mast"
)

// CodeTargetNotFound 表示 TIC 星表中不存在该目标。
const CodeTargetNotFound apperrors.Code = "CATALOG_TARGET_NOT_FOUND"

// ticService 是 MAST 上按列过滤 TIC 星表的服务。
const ticService = "Mast.Catalogs.Filtered.Tic"

func init() {
	apperrors.Register(CodeTargetNotFound, apperrors.Attributes{
		Message:  "target not found in TIC",
		Severity: apperrors.SeverityWarning,
	})
}

// Lookup 查询恒星参数。
type Lookup interface {
	Lookup(ctx context.Context, ticID int64) (Star, error)
}

// Invoker 是 MAST 客户端中被星表使用的部分。
type Invoker interface {
	Invoke(ctx context.Context, service string, params map[string]any, filters []mast.Filter) ([]gjson.Result, error)
}

// Client 通过 MAST 查询 TIC 星表。
type Client struct {
	mast Invoker
}

// NewClient 创建星表客户端。
func NewClient(invoker Invoker) *Client {
	return &Client{mast: invoker}
}

// Lookup 实现 Lookup 接口。
func (c *Client) Lookup(ctx context.Context, ticID int64) (Star, error) {
	if ticID <= 0 {
		return Star{}, apperrors.New(apperrors.CodeInvalidArgument, "TIC 编号必须为正数")
	}
	rows, err := c.mast.Invoke(ctx, ticService, nil, []mast.Filter{mast.Eq("ID", strconv.FormatInt(ticID, 10))})
	if err != nil {
		return Star{}, err
	}
	if len(rows) == 0 {
		return Star{}, apperrors.New(CodeTargetNotFound, "TIC 星表中未找到目标",
			apperrors.WithMetadata("tic", strconv.FormatInt(ticID, 10)))
	}
	row := rows[0]
	return NewStar(
		ticID,
		number(row.Get("ra")),
		number(row.Get("dec")),
		number(row.Get("Tmag")),
		number(row.Get("rad")),
		number(row.Get("Teff")),
	), nil
}

// number 把缺失或 null 的列映射为 NaN。
func number(v gjson.Result) float64 {
	switch v.Type {
	case gjson.Number:
		return v.Float()
	case gjson.String:
		f, err := strconv.ParseFloat(v.Str, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}
