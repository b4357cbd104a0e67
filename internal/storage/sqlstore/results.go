package sqlstore

import (
	"context"
	"database/sql"
	"math"
	"strings"
	"time"

	apperrors "ARGOS/internal/errors"
	"ARGOS/internal/observation"
)

// ObservationRecord 是 observations 表中的一行。
type ObservationRecord struct {
	RunID        string    `json:"run_id"`
	TICID        int64     `json:"tic_id"`
	Sector       int       `json:"sector"`
	Author       string    `json:"author"`
	Points       int       `json:"points"`
	RA           float64   `json:"ra"`
	Dec          float64   `json:"dec"`
	Tmag         *float64  `json:"tmag"`
	StarRadius   float64   `json:"star_radius"`
	Teff         float64   `json:"teff"`
	SpectralType string    `json:"spectral_type"`
	Period       float64   `json:"period_days"`
	T0           float64   `json:"t0"`
	Duration     float64   `json:"duration_days"`
	Depth        float64   `json:"depth"`
	SDE          float64   `json:"sde"`
	PlanetRadius float64   `json:"planet_radius"`
	DistanceAU   float64   `json:"distance_au"`
	EquilibriumK float64   `json:"equilibrium_k"`
	Insolation   float64   `json:"insolation"`
	Habitable    bool      `json:"habitable"`
	Confidence   string    `json:"confidence"`
	NoisePPM     float64   `json:"noise_ppm"`
	MaxDip       float64   `json:"max_dip"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// RecordFromObservation 把观测展平为表记录。
func RecordFromObservation(obs *observation.Observation) ObservationRecord {
	rec := ObservationRecord{
		RunID:        obs.RunID,
		TICID:        obs.TICID(),
		Sector:       obs.Sector,
		Author:       obs.Author,
		Points:       obs.Points,
		RA:           obs.Star.RA,
		Dec:          obs.Star.Dec,
		StarRadius:   obs.Star.Radius,
		Teff:         obs.Star.Teff,
		SpectralType: string(obs.Star.Spectral),
		Period:       obs.Detection.Period,
		T0:           obs.Detection.T0,
		Duration:     obs.Detection.Duration,
		Depth:        obs.Detection.Depth,
		SDE:          obs.Detection.SDE,
		PlanetRadius: obs.Planet.PlanetRadius,
		DistanceAU:   obs.Planet.DistanceAU,
		EquilibriumK: obs.Planet.EquilibriumK,
		Insolation:   obs.Planet.Insolation,
		Habitable:    obs.Planet.Habitable,
		Confidence:   string(obs.Confidence),
		NoisePPM:     obs.NoisePPM,
		MaxDip:       obs.MaxDip,
		ProcessedAt:  obs.ProcessedAt,
	}
	if !math.IsNaN(obs.Star.Tmag) {
		tmag := obs.Star.Tmag
		rec.Tmag = &tmag
	}
	return rec
}

// ResultStats 汇总结果库中的分级数量。
type ResultStats struct {
	Total         int `json:"total"`
	Targets       int `json:"targets"`
	High          int `json:"high"`
	SingleTransit int `json:"single_transit"`
	Low           int `json:"low"`
	Habitable     int `json:"habitable"`
}

// Results 基于 observations 表的结果仓库。
type Results struct {
	db *DB
}

// NewResults 创建结果仓库。
func NewResults(db *DB) *Results {
	return &Results{db: db}
}

const observationColumns = `run_id, tic_id, sector, author, points, ra, dec_deg, tmag, star_radius, teff, spectral_type,
        period_days, t0, duration_days, depth, sde, planet_radius, distance_au, equilibrium_k, insolation, habitable,
        confidence, noise_ppm, max_dip, processed_at`

// Save 写入一次观测，满足 pipeline.ResultSink。
func (r *Results) Save(ctx context.Context, obs *observation.Observation) error {
	if obs == nil {
		return apperrors.New(apperrors.CodeInvalidArgument, "observation 不能为空")
	}
	return r.Insert(ctx, RecordFromObservation(obs))
}

// Insert 写入一条表记录。
func (r *Results) Insert(ctx context.Context, rec ObservationRecord) error {
	if strings.TrimSpace(rec.RunID) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "run_id 不能为空")
	}
	const stmt = `INSERT INTO observations (` + observationColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var tmag sql.NullFloat64
	if rec.Tmag != nil {
		tmag = sql.NullFloat64{Float64: *rec.Tmag, Valid: true}
	}
	habitable := 0
	if rec.Habitable {
		habitable = 1
	}
	_, err := r.db.ExecContext(ctx, stmt,
		rec.RunID,
		rec.TICID,
		rec.Sector,
		rec.Author,
		rec.Points,
		rec.RA,
		rec.Dec,
		tmag,
		rec.StarRadius,
		rec.Teff,
		rec.SpectralType,
		rec.Period,
		rec.T0,
		rec.Duration,
		rec.Depth,
		rec.SDE,
		rec.PlanetRadius,
		rec.DistanceAU,
		rec.EquilibriumK,
		rec.Insolation,
		habitable,
		rec.Confidence,
		rec.NoisePPM,
		rec.MaxDip,
		rec.ProcessedAt.Unix(),
	)
	if err != nil {
		if IsDuplicate(err) {
			return apperrors.Wrap(apperrors.CodeConflict, err, "观测记录已存在")
		}
		return apperrors.Wrap(apperrors.CodeStorageFailure, err, "写入观测记录失败")
	}
	return nil
}

// ListLatest 按处理时间倒序返回最近的观测。
func (r *Results) ListLatest(ctx context.Context, limit int) ([]ObservationRecord, error) {
	return r.query(ctx, `SELECT `+observationColumns+` FROM observations
        ORDER BY processed_at DESC, run_id DESC LIMIT ?`, clampLimit(limit))
}

// ListByConfidence 返回指定分级的观测。
func (r *Results) ListByConfidence(ctx context.Context, confidence string, limit int) ([]ObservationRecord, error) {
	return r.query(ctx, `SELECT `+observationColumns+` FROM observations WHERE confidence = ?
        ORDER BY processed_at DESC, run_id DESC LIMIT ?`, confidence, clampLimit(limit))
}

// ListByTarget 返回同一目标的全部运行记录。
func (r *Results) ListByTarget(ctx context.Context, ticID int64) ([]ObservationRecord, error) {
	return r.query(ctx, `SELECT `+observationColumns+` FROM observations WHERE tic_id = ?
        ORDER BY processed_at DESC, run_id DESC`, ticID)
}

// Stats 统计结果库中的分级数量。
func (r *Results) Stats(ctx context.Context) (ResultStats, error) {
	const stmt = `SELECT
        COUNT(*),
        COUNT(DISTINCT tic_id),
        COALESCE(SUM(CASE WHEN confidence = 'HIGH' THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN confidence = 'SINGLE TRANSIT' THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN confidence = 'LOW' THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(habitable), 0)
        FROM observations`

	var stats ResultStats
	if err := r.db.QueryRowContext(ctx, stmt).Scan(
		&stats.Total,
		&stats.Targets,
		&stats.High,
		&stats.SingleTransit,
		&stats.Low,
		&stats.Habitable,
	); err != nil {
		return ResultStats{}, apperrors.Wrap(apperrors.CodeStorageFailure, err, "查询观测统计失败")
	}
	return stats, nil
}

// Close 关闭底层连接。
func (r *Results) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Results) query(ctx context.Context, stmt string, args ...any) ([]ObservationRecord, error) {
	rows, err := r.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "查询观测记录失败")
	}
	defer rows.Close()

	var records []ObservationRecord
	for rows.Next() {
		var (
			rec       ObservationRecord
			tmag      sql.NullFloat64
			habitable int
			processed int64
		)
		if err := rows.Scan(
			&rec.RunID,
			&rec.TICID,
			&rec.Sector,
			&rec.Author,
			&rec.Points,
			&rec.RA,
			&rec.Dec,
			&tmag,
			&rec.StarRadius,
			&rec.Teff,
			&rec.SpectralType,
			&rec.Period,
			&rec.T0,
			&rec.Duration,
			&rec.Depth,
			&rec.SDE,
			&rec.PlanetRadius,
			&rec.DistanceAU,
			&rec.EquilibriumK,
			&rec.Insolation,
			&habitable,
			&rec.Confidence,
			&rec.NoisePPM,
			&rec.MaxDip,
			&processed,
		); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "解析观测记录失败")
		}
		if tmag.Valid {
			v := tmag.Float64
			rec.Tmag = &v
		}
		rec.Habitable = habitable != 0
		rec.ProcessedAt = time.Unix(processed, 0).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "遍历观测记录失败")
	}
	return records, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 500 {
		return 500
	}
	return limit
}
