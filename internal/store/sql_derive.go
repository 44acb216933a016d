package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

func (s *SQLStore) ListAnalysesByFile(ctx context.Context, fileID uuid.UUID) ([]Analysis, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, study_pk, analysis_id, file_id, device FROM analyses WHERE file_id = $1`,
		fileID.String())
	if err != nil {
		return nil, fmt.Errorf("list analyses by file: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Analysis
	for rows.Next() {
		var id string
		var studyPK, analysisID, storedFile, device sql.NullString
		if err := rows.Scan(&id, &studyPK, &analysisID, &storedFile, &device); err != nil {
			return nil, err
		}
		a := Analysis{AnalysisID: strOrEmpty(analysisID), Device: strOrEmpty(device)}
		a.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("analysis id: %w", err)
		}
		if studyPK.Valid {
			pk, err := uuid.Parse(studyPK.String)
			if err != nil {
				return nil, fmt.Errorf("analysis study pk: %w", err)
			}
			a.StudyPK = pk
		}
		if storedFile.Valid {
			fid, err := uuid.Parse(storedFile.String)
			if err != nil {
				return nil, fmt.Errorf("analysis file id: %w", err)
			}
			a.FileID = &fid
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetAnalysisDevice(ctx context.Context, analysisPK uuid.UUID, device string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE analyses SET device = $1 WHERE id = $2`, device, analysisPK.String())
	if err != nil {
		return fmt.Errorf("set analysis device: %w", err)
	}
	return nil
}

func (s *SQLStore) SetFileDevice(ctx context.Context, fileID uuid.UUID, device string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET device = $1 WHERE id = $2`, device, fileID.String())
	if err != nil {
		return fmt.Errorf("set file device: %w", err)
	}
	return nil
}

func (s *SQLStore) SetFileCategories(ctx context.Context, fileID uuid.UUID, exposure, sampleType, platform string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET exposure = $1, sample_type = $2, platform = $3 WHERE id = $4`,
		nullStr(exposure), nullStr(sampleType), nullStr(platform), fileID.String())
	if err != nil {
		return fmt.Errorf("set file categories: %w", err)
	}
	return nil
}

func (s *SQLStore) ListSamples(ctx context.Context, filter SampleFilter) ([]Sample, error) {
	query := `SELECT id, study_pk, sample_label, sample_uid, factors_raw, exposure, sample_matrix FROM samples`
	var args []any
	if filter.UIDPrefix != "" {
		query += ` WHERE sample_uid LIKE $1`
		args = append(args, filter.UIDPrefix+"%")
	}
	query += ` ORDER BY sample_uid`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Sample
	for rows.Next() {
		var id string
		var studyPK, label, sampleUID, factorsRaw, exposure, matrix sql.NullString
		if err := rows.Scan(&id, &studyPK, &label, &sampleUID, &factorsRaw, &exposure, &matrix); err != nil {
			return nil, err
		}
		smp := Sample{
			SampleLabel:  strOrEmpty(label),
			SampleUID:    strOrEmpty(sampleUID),
			FactorsRaw:   strOrEmpty(factorsRaw),
			Exposure:     strOrEmpty(exposure),
			SampleMatrix: strOrEmpty(matrix),
		}
		smp.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("sample id: %w", err)
		}
		if studyPK.Valid {
			pk, err := uuid.Parse(studyPK.String)
			if err != nil {
				return nil, fmt.Errorf("sample study pk: %w", err)
			}
			smp.StudyPK = pk
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

func (s *SQLStore) SampleFactors(ctx context.Context, sampleUID string) ([]SampleFactor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sample_uid, factor_key, factor_value FROM sample_factors WHERE sample_uid = $1`,
		sampleUID)
	if err != nil {
		return nil, fmt.Errorf("sample factors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SampleFactor
	for rows.Next() {
		var id string
		var sf SampleFactor
		var value sql.NullString
		if err := rows.Scan(&id, &sf.SampleUID, &sf.FactorKey, &value); err != nil {
			return nil, err
		}
		sf.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("sample factor id: %w", err)
		}
		sf.FactorValue = strOrEmpty(value)
		out = append(out, sf)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetSampleExposure(ctx context.Context, samplePK uuid.UUID, exposure string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE samples SET exposure = $1 WHERE id = $2`, exposure, samplePK.String())
	if err != nil {
		return fmt.Errorf("set sample exposure: %w", err)
	}
	return nil
}

func (s *SQLStore) SetSampleMatrix(ctx context.Context, samplePK uuid.UUID, matrix string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE samples SET sample_matrix = $1 WHERE id = $2`, matrix, samplePK.String())
	if err != nil {
		return fmt.Errorf("set sample matrix: %w", err)
	}
	return nil
}

// SampleFilePaths returns the distinct absolute paths of files whose
// measurements reference the sample.
func (s *SQLStore) SampleFilePaths(ctx context.Context, sampleUID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT f.path_abs
		FROM files f
		JOIN measurements m ON m.file_id = f.id
		WHERE m.sample_uid = $1`, sampleUID)
	if err != nil {
		return nil, fmt.Errorf("sample file paths: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
