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

const lookupChunk = 500

func (s *SQLStore) ExistingFileColKeys(ctx context.Context, fileID uuid.UUID, featureUIDs []string) (map[FileColKey]struct{}, error) {
	keys := make(map[FileColKey]struct{})
	for _, chunk := range chunkStrings(featureUIDs, lookupChunk) {
		query := `SELECT col_index, feature_uid FROM measurements WHERE file_id = $1 AND feature_uid IN (` +
			placeholders(2, len(chunk)) + `)`
		args := make([]any, 0, len(chunk)+1)
		args = append(args, fileID.String())
		for _, uid := range chunk {
			args = append(args, uid)
		}
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("lookup file col keys: %w", err)
		}
		for rows.Next() {
			var colIndex int
			var featureUID string
			if err := rows.Scan(&colIndex, &featureUID); err != nil {
				_ = rows.Close()
				return nil, err
			}
			keys[FileColKey{FileID: fileID, ColIndex: colIndex, FeatureUID: featureUID}] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return keys, nil
}

func (s *SQLStore) ExistingSampleFeatureKeys(ctx context.Context, sampleUIDs, featureUIDs []string) (map[SampleFeatureKey]struct{}, error) {
	keys := make(map[SampleFeatureKey]struct{})
	for _, sChunk := range chunkStrings(sampleUIDs, lookupChunk) {
		for _, fChunk := range chunkStrings(featureUIDs, lookupChunk) {
			query := `SELECT sample_uid, feature_uid FROM measurements WHERE sample_uid IN (` +
				placeholders(1, len(sChunk)) + `) AND feature_uid IN (` +
				placeholders(len(sChunk)+1, len(fChunk)) + `)`
			args := make([]any, 0, len(sChunk)+len(fChunk))
			for _, uid := range sChunk {
				args = append(args, uid)
			}
			for _, uid := range fChunk {
				args = append(args, uid)
			}
			rows, err := s.db.QueryContext(ctx, query, args...)
			if err != nil {
				return nil, fmt.Errorf("lookup sample feature keys: %w", err)
			}
			for rows.Next() {
				var k SampleFeatureKey
				if err := rows.Scan(&k.SampleUID, &k.FeatureUID); err != nil {
					_ = rows.Close()
					return nil, err
				}
				keys[k] = struct{}{}
			}
			if err := rows.Err(); err != nil {
				_ = rows.Close()
				return nil, err
			}
			_ = rows.Close()
		}
	}
	return keys, nil
}

// InsertMeasurements inserts the batch as one set-based statement inside
// its own transaction. Conflict filtering happens in the caller; a
// uniqueness violation here fails the whole batch.
func (s *SQLStore) InsertMeasurements(ctx context.Context, ms []Measurement) error {
	if len(ms) == 0 {
		return nil
	}
	query, args := buildMeasurementInsert(ms, "")
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert measurements: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// InsertMeasurementRow inserts a single row in isolation so one bad row
// cannot sacrifice its batch. A uniqueness violation against either
// regime reports ErrConflict.
func (s *SQLStore) InsertMeasurementRow(ctx context.Context, m Measurement) error {
	query, args := buildMeasurementInsert([]Measurement{m}, " ON CONFLICT DO NOTHING")
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert measurement row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// UpsertMeasurementLegacy writes under the (sample, feature) regime: a
// non-null incoming value or unit overwrites, null never does. Returns
// whether a new row was created.
func (s *SQLStore) UpsertMeasurementLegacy(ctx context.Context, m Measurement) (bool, error) {
	var id string
	var value sql.NullFloat64
	var unit sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, value, unit FROM measurements WHERE sample_uid = $1 AND feature_uid = $2`,
		m.SampleUID, m.FeatureUID).Scan(&id, &value, &unit)
	switch {
	case err == nil:
		var sets []string
		var args []any
		if m.Value != nil {
			args = append(args, *m.Value)
			sets = append(sets, fmt.Sprintf("value = $%d", len(args)))
		}
		if m.Unit != "" {
			args = append(args, m.Unit)
			sets = append(sets, fmt.Sprintf("unit = $%d", len(args)))
		}
		if len(sets) == 0 {
			return false, nil
		}
		args = append(args, id)
		query := fmt.Sprintf(`UPDATE measurements SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return false, fmt.Errorf("update measurement %s/%s: %w", m.SampleUID, m.FeatureUID, err)
		}
		return false, nil
	case errors.Is(err, sql.ErrNoRows):
		query, args := buildMeasurementInsert([]Measurement{m}, "")
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return false, fmt.Errorf("insert measurement %s/%s: %w", m.SampleUID, m.FeatureUID, err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("select measurement %s/%s: %w", m.SampleUID, m.FeatureUID, err)
	}
}

func buildMeasurementInsert(ms []Measurement, suffix string) (string, []any) {
	var b strings.Builder
	b.WriteString(`INSERT INTO measurements (id, sample_uid, feature_uid, value, unit, file_id, col_index, replicate_ix, created_at) VALUES `)
	args := make([]any, 0, len(ms)*9)
	now := bindTime(time.Now())
	for i, m := range ms {
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			i*9+1, i*9+2, i*9+3, i*9+4, i*9+5, i*9+6, i*9+7, i*9+8, i*9+9)

		var value sql.NullFloat64
		if m.Value != nil {
			value = sql.NullFloat64{Float64: *m.Value, Valid: true}
		}
		var fileID sql.NullString
		if m.FileID != nil {
			fileID = sql.NullString{String: m.FileID.String(), Valid: true}
		}
		var colIndex sql.NullInt64
		if m.ColIndex != nil {
			colIndex = sql.NullInt64{Int64: int64(*m.ColIndex), Valid: true}
		}
		var replicate sql.NullInt16
		if m.ReplicateIx != nil {
			replicate = sql.NullInt16{Int16: *m.ReplicateIx, Valid: true}
		}
		args = append(args, m.ID.String(), m.SampleUID, m.FeatureUID, value,
			nullStr(m.Unit), fileID, colIndex, replicate, now)
	}
	b.WriteString(suffix)
	return b.String(), args
}

func chunkStrings(in []string, size int) [][]string {
	if len(in) == 0 {
		return nil
	}
	var out [][]string
	for start := 0; start < len(in); start += size {
		end := start + size
		if end > len(in) {
			end = len(in)
		}
		out = append(out, in[start:end])
	}
	return out
}
