package catalog

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// DefaultRadius 为星表缺失半径时采用的太阳半径。
	DefaultRadius = 1.0
	// DefaultTeff 为星表缺失有效温度时采用的太阳有效温度。
	DefaultTeff = 5778.0
)

// SpectralType 是按有效温度粗分的光谱型。
type SpectralType string

const (
	SpectralM SpectralType = "M"
	SpectralK SpectralType = "K"
	SpectralG SpectralType = "G"
	SpectralF SpectralType = "F"
)

// ClassifySpectralType 根据有效温度估计宿主恒星的光谱型。
func ClassifySpectralType(teff float64) SpectralType {
	switch {
	case teff < 3800:
		return SpectralM
	case teff < 5300:
		return SpectralK
	case teff < 6000:
		return SpectralG
	default:
		return SpectralF
	}
}

// Star 描述 TIC 星表中的一颗宿主恒星。
type Star struct {
	TICID    int64        `json:"tic_id"`
	RA       float64      `json:"ra"`
	Dec      float64      `json:"dec"`
	Tmag     float64      `json:"tmag"` // 可能为 NaN
	Radius   float64      `json:"radius"`
	Teff     float64      `json:"teff"`
	Spectral SpectralType `json:"spectral_type"`
}

// NewStar 构造恒星并对缺失的半径与温度应用回退值。
func NewStar(ticID int64, ra, dec, tmag, radius, teff float64) Star {
	if !isUsable(radius) {
		radius = DefaultRadius
	}
	if !isUsable(teff) {
		teff = DefaultTeff
	}
	return Star{
		TICID:    ticID,
		RA:       ra,
		Dec:      dec,
		Tmag:     tmag,
		Radius:   radius,
		Teff:     teff,
		Spectral: ClassifySpectralType(teff),
	}
}

// Name 返回 "TIC <id>" 形式的目标名。
func (s Star) Name() string {
	return TargetName(s.TICID)
}

// Hemisphere 返回目标可见的半球。
func (s Star) Hemisphere() string {
	if s.Dec >= 0 {
		return "North"
	}
	return "South"
}

// TargetName 返回 TIC 编号对应的目标名。
func TargetName(ticID int64) string {
	return fmt.Sprintf("TIC %d", ticID)
}

// ParseTIC 解析 "261155555"、"TIC 261155555" 或 "TIC261155555" 形式的编号。
func ParseTIC(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if len(s) >= 3 && strings.EqualFold(s[:3], "TIC") {
		s = strings.TrimSpace(strings.TrimLeft(s[3:], " -_:"))
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("无效的 TIC 编号 %q", raw)
	}
	return id, nil
}

func isUsable(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// MarshalJSON 将 NaN 星等编码为 null。
func (s Star) MarshalJSON() ([]byte, error) {
	type plain Star
	var tmag *float64
	if !math.IsNaN(s.Tmag) && !math.IsInf(s.Tmag, 0) {
		tmag = &s.Tmag
	}
	return json.Marshal(struct {
		plain
		Tmag *float64 `json:"tmag"`
	}{plain: plain(s), Tmag: tmag})
}
