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

func (s *SQLStore) CreateImport(ctx context.Context, rootPath string) (Import, error) {
	imp := Import{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
		RootPath:  rootPath,
		Status:    ImportRunning,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO imports (id, created_at, root_path, status) VALUES ($1, $2, $3, $4)`,
		imp.ID.String(), bindTime(imp.CreatedAt), nullStr(rootPath), string(imp.Status))
	if err != nil {
		return Import{}, fmt.Errorf("create import: %w", err)
	}
	return imp, nil
}

func (s *SQLStore) FinishImport(ctx context.Context, importID uuid.UUID, status ImportStatus, notes string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE imports SET status = $1, notes = $2 WHERE id = $3`,
		string(status), nullStr(notes), importID.String())
	if err != nil {
		return fmt.Errorf("finish import: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundError{Entity: "import", Key: importID.String()}
	}
	return nil
}

const fileColumns = `id, import_id, path_rel, path_abs, filename, ext, size_bytes, sha256,
	detected_type, device, exposure, sample_type, platform, parse_status, parse_error,
	CAST(parsed_at AS TEXT), CAST(created_at AS TEXT)`

func (s *SQLStore) FileBySHA(ctx context.Context, sha256 string, sizeBytes int64) (File, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE sha256 = $1 AND size_bytes = $2`,
		sha256, sizeBytes)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, NotFoundError{Entity: "file", Key: sha256}
	}
	return f, err
}

func (s *SQLStore) FileByID(ctx context.Context, id uuid.UUID) (File, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = $1`, id.String())
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, NotFoundError{Entity: "file", Key: id.String()}
	}
	return f, err
}

func (s *SQLStore) InsertFile(ctx context.Context, f *File) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if f.ParseStatus == "" {
		f.ParseStatus = ParsePending
	}
	var parsedAt sql.NullString
	if f.ParsedAt != nil {
		parsedAt = sql.NullString{String: bindTime(*f.ParsedAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, import_id, path_rel, path_abs, filename, ext, size_bytes,
			sha256, detected_type, device, exposure, sample_type, platform,
			parse_status, parse_error, parsed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		f.ID.String(), f.ImportID.String(), nullStr(f.PathRel), f.PathAbs, f.Filename,
		f.Ext, f.SizeBytes, f.SHA256, f.DetectedType, nullStr(f.Device),
		nullStr(f.Exposure), nullStr(f.SampleType), nullStr(f.Platform),
		string(f.ParseStatus), nullStr(f.ParseError), parsedAt, bindTime(f.CreatedAt))
	if err != nil {
		// The (sha256, size_bytes) unique key is the only constraint a
		// well-formed row can trip; report it as a conflict so callers
		// can fall back to the winning row.
		if _, lookupErr := s.FileBySHA(ctx, f.SHA256, f.SizeBytes); lookupErr == nil {
			return fmt.Errorf("insert file %s: %w", f.Filename, ErrConflict)
		}
		return fmt.Errorf("insert file %s: %w", f.Filename, err)
	}
	return nil
}

func (s *SQLStore) SetFileParseStatus(ctx context.Context, fileID uuid.UUID, status ParseStatus, parseErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET parse_status = $1, parse_error = $2, parsed_at = $3 WHERE id = $4`,
		string(status), nullStr(parseErr), bindTime(time.Now()), fileID.String())
	if err != nil {
		return fmt.Errorf("set parse status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundError{Entity: "file", Key: fileID.String()}
	}
	return nil
}

func (s *SQLStore) ListFiles(ctx context.Context, filter FileFilter) ([]File, error) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.ID != nil {
		add("id = $%d", filter.ID.String())
	}
	if filter.ImportID != nil {
		add("import_id = $%d", filter.ImportID.String())
	}
	if filter.ParseStatus != "" {
		add("parse_status = $%d", string(filter.ParseStatus))
	}
	if len(filter.DetectedTypes) > 0 {
		ph := placeholders(len(args)+1, len(filter.DetectedTypes))
		for _, dt := range filter.DetectedTypes {
			args = append(args, dt)
		}
		conds = append(conds, "detected_type IN ("+ph+")")
	}

	query := `SELECT ` + fileColumns + ` FROM files`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (File, error) {
	var f File
	var id, importID string
	var pathRel, device, exposure, sampleType, platform, parseError sql.NullString
	var parsedAt, createdAt sql.NullString
	err := row.Scan(&id, &importID, &pathRel, &f.PathAbs, &f.Filename, &f.Ext,
		&f.SizeBytes, &f.SHA256, &f.DetectedType, &device, &exposure, &sampleType,
		&platform, &f.ParseStatus, &parseError, &parsedAt, &createdAt)
	if err != nil {
		return File{}, err
	}
	f.ID, err = uuid.Parse(id)
	if err != nil {
		return File{}, fmt.Errorf("file id: %w", err)
	}
	f.ImportID, err = uuid.Parse(importID)
	if err != nil {
		return File{}, fmt.Errorf("file import id: %w", err)
	}
	f.PathRel = strOrEmpty(pathRel)
	f.Device = strOrEmpty(device)
	f.Exposure = strOrEmpty(exposure)
	f.SampleType = strOrEmpty(sampleType)
	f.Platform = strOrEmpty(platform)
	f.ParseError = strOrEmpty(parseError)
	if parsedAt.Valid {
		t, err := parseTime(parsedAt.String)
		if err != nil {
			return File{}, err
		}
		f.ParsedAt = &t
	}
	if createdAt.Valid {
		t, err := parseTime(createdAt.String)
		if err != nil {
			return File{}, err
		}
		f.CreatedAt = t
	}
	return f, nil
}
