package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const qcTopLimit = 10

func (s *SQLStore) QCSummarize(ctx context.Context, filter QCFilter) (QCSummary, error) {
	var sum QCSummary
	where, args := qcMeasurementFilter(filter)

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(value),
			COALESCE(SUM(CASE WHEN value < 0 THEN 1 ELSE 0 END), 0)
		FROM measurements m `+where, args...).
		Scan(&sum.TotalMeasurements, &sum.NonNullValues, &sum.NegativeValues)
	if err != nil {
		return QCSummary{}, fmt.Errorf("qc counts: %w", err)
	}
	sum.NullCount = sum.TotalMeasurements - sum.NonNullValues
	if sum.TotalMeasurements > 0 {
		sum.NullPercent = 100 * float64(sum.NullCount) / float64(sum.TotalMeasurements)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT m.sample_uid FROM measurements m `+where+`
			GROUP BY m.sample_uid, m.feature_uid
			HAVING COUNT(*) > 1
		) d`, args...).Scan(&sum.DuplicatePairs)
	if err != nil {
		return QCSummary{}, fmt.Errorf("qc duplicates: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM measurements m `+andWhere(where,
		`NOT EXISTS (SELECT 1 FROM samples s WHERE s.sample_uid = m.sample_uid)`), args...).
		Scan(&sum.OrphanSamples)
	if err != nil {
		return QCSummary{}, fmt.Errorf("qc orphan samples: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM measurements m `+andWhere(where,
		`NOT EXISTS (SELECT 1 FROM features ft WHERE ft.feature_uid = m.feature_uid)`), args...).
		Scan(&sum.OrphanFeatures)
	if err != nil {
		return QCSummary{}, fmt.Errorf("qc orphan features: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT COALESCE(m.unit, ''), COUNT(*) FROM measurements m %s
		GROUP BY m.unit ORDER BY COUNT(*) DESC, m.unit LIMIT %d`, where, qcTopLimit), args...)
	if err != nil {
		return QCSummary{}, fmt.Errorf("qc units: %w", err)
	}
	for rows.Next() {
		var uc UnitCount
		if err := rows.Scan(&uc.Unit, &uc.Count); err != nil {
			_ = rows.Close()
			return QCSummary{}, err
		}
		sum.TopUnits = append(sum.TopUnits, uc)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return QCSummary{}, err
	}
	_ = rows.Close()

	rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT m.feature_uid, COUNT(*) FROM measurements m %s
		GROUP BY m.feature_uid ORDER BY COUNT(*) DESC, m.feature_uid LIMIT %d`,
		andWhere(where, `m.value IS NULL`), qcTopLimit), args...)
	if err != nil {
		return QCSummary{}, fmt.Errorf("qc null features: %w", err)
	}
	for rows.Next() {
		var fc FeatureNullCount
		if err := rows.Scan(&fc.FeatureUID, &fc.Nulls); err != nil {
			_ = rows.Close()
			return QCSummary{}, err
		}
		sum.TopNullFeatures = append(sum.TopNullFeatures, fc)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return QCSummary{}, err
	}
	_ = rows.Close()

	sampleWhere, sampleArgs := qcSampleFilter(filter)
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN factors_raw IS NULL OR factors_raw = '' THEN 1 ELSE 0 END), 0)
		FROM samples s `+sampleWhere, sampleArgs...).
		Scan(&sum.SamplesTotal, &sum.SamplesNoFactors)
	if err != nil {
		return QCSummary{}, fmt.Errorf("qc samples: %w", err)
	}

	return sum, nil
}

func qcMeasurementFilter(filter QCFilter) (string, []any) {
	var conds []string
	var args []any
	if filter.StudyID != "" {
		args = append(args, filter.StudyID)
		conds = append(conds, fmt.Sprintf(`m.sample_uid IN (
			SELECT s.sample_uid FROM samples s
			JOIN studies st ON s.study_pk = st.id
			WHERE st.study_id = $%d)`, len(args)))
	}
	if filter.AnalysisID != "" {
		args = append(args, filter.AnalysisID+":%")
		conds = append(conds, fmt.Sprintf(`m.feature_uid LIKE $%d`, len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func qcSampleFilter(filter QCFilter) (string, []any) {
	if filter.StudyID == "" {
		return "", nil
	}
	return `WHERE s.study_pk IN (SELECT id FROM studies WHERE study_id = $1)`, []any{filter.StudyID}
}

func andWhere(where, cond string) string {
	if where == "" {
		return "WHERE " + cond
	}
	return where + " AND " + cond
}

const exportSelect = `
	SELECT
		COALESCE(CAST(f.id AS TEXT), ''),
		COALESCE(f.path_rel, ''),
		COALESCE(f.detected_type, ''),
		COALESCE(f.device, ''),
		COALESCE(f.exposure, ''),
		COALESCE(f.sample_type, ''),
		COALESCE(f.platform, ''),
		COALESCE(s.sample_uid, ''),
		COALESCE(s.sample_label, ''),
		COALESCE(ft.feature_uid, ''),
		COALESCE(ft.feature_type, ''),
		COALESCE(ft.name_raw, ''),
		COALESCE(ft.refmet_name, ''),
		m.value,
		COALESCE(m.unit, ''),
		m.col_index,
		m.replicate_ix,
		COALESCE(st.study_id, ''),
		COALESCE(a.analysis_id, ''),
		COALESCE(CAST(m.created_at AS TEXT), '')`

const exportFrom = `
	FROM measurements m
	LEFT JOIN files f ON m.file_id = f.id
	LEFT JOIN samples s ON m.sample_uid = s.sample_uid
	LEFT JOIN features ft ON m.feature_uid = ft.feature_uid
	LEFT JOIN studies st ON s.study_pk = st.id
	LEFT JOIN analyses a ON ft.analysis_id = a.analysis_id AND a.study_pk = st.id`

func exportFilterClause(filter ExportFilter) (string, []any) {
	var conds []string
	var args []any
	if filter.FileID != nil {
		args = append(args, filter.FileID.String())
		conds = append(conds, fmt.Sprintf("f.id = $%d", len(args)))
	}
	if filter.ImportID != nil {
		args = append(args, filter.ImportID.String())
		conds = append(conds, fmt.Sprintf("f.import_id = $%d", len(args)))
	}
	if filter.FeatureType != "" {
		args = append(args, filter.FeatureType)
		conds = append(conds, fmt.Sprintf("ft.feature_type = $%d", len(args)))
	}
	if filter.StudyID != "" {
		args = append(args, filter.StudyID)
		conds = append(conds, fmt.Sprintf("st.study_id = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLStore) CountExportRows(ctx context.Context, filter ExportFilter) (int64, error) {
	where, args := exportFilterClause(filter)
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+exportFrom+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count export rows: %w", err)
	}
	return n, nil
}

// ExportRows streams the long-format join in a stable order, invoking fn
// per row. Ordering matches the authoritative uniqueness key so exports
// are deterministic for a given database state.
func (s *SQLStore) ExportRows(ctx context.Context, filter ExportFilter, fn func(ExportRow) error) error {
	where, args := exportFilterClause(filter)
	query := exportSelect + exportFrom + where + ` ORDER BY f.id, m.col_index, ft.feature_uid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("export rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var r ExportRow
		var value sql.NullFloat64
		var colIndex sql.NullInt64
		var replicate sql.NullInt16
		err := rows.Scan(&r.FileID, &r.PathRel, &r.DetectedType, &r.Device,
			&r.Exposure, &r.SampleType, &r.Platform, &r.SampleUID, &r.SampleLabel,
			&r.FeatureUID, &r.FeatureType, &r.FeatureName, &r.RefmetName,
			&value, &r.Unit, &colIndex, &replicate, &r.StudyID, &r.AnalysisID, &r.CreatedAt)
		if err != nil {
			return err
		}
		if value.Valid {
			v := value.Float64
			r.Value = &v
		}
		if colIndex.Valid {
			ci := int(colIndex.Int64)
			r.ColIndex = &ci
		}
		if replicate.Valid {
			ri := replicate.Int16
			r.ReplicateIx = &ri
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}
