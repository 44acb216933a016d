package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func (s *SQLStore) UpsertStudy(ctx context.Context, studyID string) (Study, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM studies WHERE study_id = $1`, studyID).Scan(&id)
	switch {
	case err == nil:
		pk, err := uuid.Parse(id)
		if err != nil {
			return Study{}, false, fmt.Errorf("study id: %w", err)
		}
		return Study{ID: pk, StudyID: studyID}, false, nil
	case errors.Is(err, sql.ErrNoRows):
		st := Study{ID: uuid.New(), StudyID: studyID, CreatedAt: time.Now().UTC()}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO studies (id, study_id, created_at) VALUES ($1, $2, $3)`,
			st.ID.String(), studyID, bindTime(st.CreatedAt))
		if err != nil {
			return Study{}, false, fmt.Errorf("insert study %s: %w", studyID, err)
		}
		return st, true, nil
	default:
		return Study{}, false, fmt.Errorf("select study %s: %w", studyID, err)
	}
}

func (s *SQLStore) UpsertAnalysis(ctx context.Context, studyPK uuid.UUID, analysisID string, fileID *uuid.UUID) (Analysis, bool, error) {
	var id string
	var storedFile, device sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, file_id, device FROM analyses WHERE analysis_id = $1 AND study_pk = $2`,
		analysisID, studyPK.String()).Scan(&id, &storedFile, &device)
	switch {
	case err == nil:
		pk, err := uuid.Parse(id)
		if err != nil {
			return Analysis{}, false, fmt.Errorf("analysis id: %w", err)
		}
		a := Analysis{ID: pk, StudyPK: studyPK, AnalysisID: analysisID, Device: strOrEmpty(device)}
		if storedFile.Valid {
			fid, err := uuid.Parse(storedFile.String)
			if err != nil {
				return Analysis{}, false, fmt.Errorf("analysis file id: %w", err)
			}
			a.FileID = &fid
		} else if fileID != nil {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE analyses SET file_id = $1 WHERE id = $2`,
				fileID.String(), id); err != nil {
				return Analysis{}, false, fmt.Errorf("backfill analysis file: %w", err)
			}
			a.FileID = fileID
		}
		return a, false, nil
	case errors.Is(err, sql.ErrNoRows):
		a := Analysis{ID: uuid.New(), StudyPK: studyPK, AnalysisID: analysisID, FileID: fileID, CreatedAt: time.Now().UTC()}
		var fid sql.NullString
		if fileID != nil {
			fid = sql.NullString{String: fileID.String(), Valid: true}
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO analyses (id, study_pk, analysis_id, file_id, created_at) VALUES ($1, $2, $3, $4, $5)`,
			a.ID.String(), studyPK.String(), analysisID, fid, bindTime(a.CreatedAt))
		if err != nil {
			return Analysis{}, false, fmt.Errorf("insert analysis %s: %w", analysisID, err)
		}
		return a, true, nil
	default:
		return Analysis{}, false, fmt.Errorf("select analysis %s: %w", analysisID, err)
	}
}

// UpsertSample creates the sample on first sight. On later sightings the
// raw factor string is backfilled only if previously empty and the label
// is updated if it changed.
func (s *SQLStore) UpsertSample(ctx context.Context, smp Sample) (Sample, bool, error) {
	var id string
	var label, factorsRaw, exposure, matrix sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, sample_label, factors_raw, exposure, sample_matrix FROM samples WHERE sample_uid = $1`,
		smp.SampleUID).Scan(&id, &label, &factorsRaw, &exposure, &matrix)
	switch {
	case err == nil:
		pk, err := uuid.Parse(id)
		if err != nil {
			return Sample{}, false, fmt.Errorf("sample id: %w", err)
		}
		stored := Sample{
			ID:           pk,
			StudyPK:      smp.StudyPK,
			SampleUID:    smp.SampleUID,
			SampleLabel:  strOrEmpty(label),
			FactorsRaw:   strOrEmpty(factorsRaw),
			Exposure:     strOrEmpty(exposure),
			SampleMatrix: strOrEmpty(matrix),
		}
		var sets []string
		var args []any
		if smp.FactorsRaw != "" && stored.FactorsRaw == "" {
			args = append(args, smp.FactorsRaw)
			sets = append(sets, fmt.Sprintf("factors_raw = $%d", len(args)))
			stored.FactorsRaw = smp.FactorsRaw
		}
		if smp.SampleLabel != "" && smp.SampleLabel != stored.SampleLabel {
			args = append(args, smp.SampleLabel)
			sets = append(sets, fmt.Sprintf("sample_label = $%d", len(args)))
			stored.SampleLabel = smp.SampleLabel
		}
		if len(sets) > 0 {
			args = append(args, id)
			query := fmt.Sprintf(`UPDATE samples SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
			if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
				return Sample{}, false, fmt.Errorf("update sample %s: %w", smp.SampleUID, err)
			}
		}
		return stored, false, nil
	case errors.Is(err, sql.ErrNoRows):
		smp.ID = uuid.New()
		smp.CreatedAt = time.Now().UTC()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO samples (id, study_pk, sample_label, sample_uid, factors_raw, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			smp.ID.String(), smp.StudyPK.String(), nullStr(smp.SampleLabel),
			smp.SampleUID, nullStr(smp.FactorsRaw), bindTime(smp.CreatedAt))
		if err != nil {
			return Sample{}, false, fmt.Errorf("insert sample %s: %w", smp.SampleUID, err)
		}
		return smp, true, nil
	default:
		return Sample{}, false, fmt.Errorf("select sample %s: %w", smp.SampleUID, err)
	}
}

// UpsertFeature creates the feature on first sight and backfills the raw
// name if it was previously empty.
func (s *SQLStore) UpsertFeature(ctx context.Context, f Feature) (Feature, bool, error) {
	var id string
	var nameRaw, refmet, analysisID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name_raw, refmet_name, analysis_id FROM features WHERE feature_uid = $1`,
		f.FeatureUID).Scan(&id, &nameRaw, &refmet, &analysisID)
	switch {
	case err == nil:
		pk, err := uuid.Parse(id)
		if err != nil {
			return Feature{}, false, fmt.Errorf("feature id: %w", err)
		}
		stored := Feature{
			ID:          pk,
			FeatureUID:  f.FeatureUID,
			FeatureType: f.FeatureType,
			NameRaw:     strOrEmpty(nameRaw),
			RefmetName:  strOrEmpty(refmet),
			AnalysisID:  strOrEmpty(analysisID),
		}
		if stored.NameRaw == "" && f.NameRaw != "" {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE features SET name_raw = $1 WHERE id = $2`, f.NameRaw, id); err != nil {
				return Feature{}, false, fmt.Errorf("backfill feature name: %w", err)
			}
			stored.NameRaw = f.NameRaw
		}
		return stored, false, nil
	case errors.Is(err, sql.ErrNoRows):
		f.ID = uuid.New()
		f.CreatedAt = time.Now().UTC()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO features (id, feature_uid, feature_type, name_raw, refmet_name, analysis_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			f.ID.String(), f.FeatureUID, f.FeatureType, nullStr(f.NameRaw),
			nullStr(f.RefmetName), nullStr(f.AnalysisID), bindTime(f.CreatedAt))
		if err != nil {
			return Feature{}, false, fmt.Errorf("insert feature %s: %w", f.FeatureUID, err)
		}
		return f, true, nil
	default:
		return Feature{}, false, fmt.Errorf("select feature %s: %w", f.FeatureUID, err)
	}
}

// InsertFeatures performs a set-based insert with skip-on-conflict
// semantics against the feature natural key. Returns the number of rows
// actually inserted.
func (s *SQLStore) InsertFeatures(ctx context.Context, feats []Feature) (int, error) {
	if len(feats) == 0 {
		return 0, nil
	}
	var b strings.Builder
	b.WriteString(`INSERT INTO features (id, feature_uid, feature_type, name_raw, refmet_name, analysis_id, created_at) VALUES `)
	args := make([]any, 0, len(feats)*7)
	now := bindTime(time.Now())
	for i, f := range feats {
		if f.ID == uuid.Nil {
			f.ID = uuid.New()
		}
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			i*7+1, i*7+2, i*7+3, i*7+4, i*7+5, i*7+6, i*7+7)
		args = append(args, f.ID.String(), f.FeatureUID, f.FeatureType,
			nullStr(f.NameRaw), nullStr(f.RefmetName), nullStr(f.AnalysisID), now)
	}
	b.WriteString(` ON CONFLICT (feature_uid) DO NOTHING`)

	res, err := s.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert features: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UpsertSampleFactor writes the denormalized factor pair with
// last-write-wins semantics on (sample_uid, factor_key).
func (s *SQLStore) UpsertSampleFactor(ctx context.Context, sf SampleFactor) error {
	if sf.ID == uuid.Nil {
		sf.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sample_factors (id, sample_uid, factor_key, factor_value, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sample_uid, factor_key) DO UPDATE SET factor_value = excluded.factor_value`,
		sf.ID.String(), sf.SampleUID, sf.FactorKey, nullStr(sf.FactorValue), bindTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert sample factor %s/%s: %w", sf.SampleUID, sf.FactorKey, err)
	}
	return nil
}
