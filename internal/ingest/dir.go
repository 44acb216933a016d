package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"metaloader/internal/mwtab"
	"metaloader/internal/store"
)

// BulkOptions tunes a directory or import-wide parse run.
type BulkOptions struct {
	OnlyTypes []string
	SkipTypes []string
	FailFast  bool
	MaxFiles  int
	DryRun    bool
	// Legacy routes mwtab files through the pre-file identity scheme.
	Legacy bool
}

func (o BulkOptions) wants(detectedType string) bool {
	if len(o.OnlyTypes) > 0 && !containsString(o.OnlyTypes, detectedType) {
		return false
	}
	return !containsString(o.SkipTypes, detectedType)
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// ParseDir parses every supported file under dir, unregistered. Files are
// visited in sorted path order so repeat runs behave identically.
func (s *Service) ParseDir(ctx context.Context, dir string, opts BulkOptions) (DirStats, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return DirStats{}, err
	}
	if !info.IsDir() {
		return DirStats{}, fmt.Errorf("not a directory: %s", dir)
	}

	type candidate struct {
		path         string
		detectedType string
	}
	var files []candidate
	stats := DirStats{}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if opts.MaxFiles > 0 && len(files) >= opts.MaxFiles {
			return fs.SkipAll
		}
		detected, err := detectFileType(path)
		if err != nil {
			return err
		}
		if detected != mwtab.FileTypeMWTab {
			return nil
		}
		if !opts.wants(string(detected)) {
			stats.FilesSkipped++
			return nil
		}
		files = append(files, candidate{path: path, detectedType: string(detected)})
		return nil
	})
	if err != nil {
		return stats, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	stats.FilesTotal = len(files)

	if opts.DryRun {
		for _, f := range files {
			stats.countType(f.detectedType)
		}
		return stats, nil
	}

	for _, f := range files {
		ps, err := s.parseByScheme(ctx, ParseRequest{Path: f.path}, opts.Legacy)
		if err != nil {
			s.logger().Warn("parse failed", "path", f.path, "err", err)
			stats.FilesFailed++
			stats.Errors = append(stats.Errors, fmt.Sprintf("parse %s: %v", f.path, err))
			if opts.FailFast {
				return stats, fmt.Errorf("parse %s: %w", f.path, err)
			}
			continue
		}
		stats.FilesParsed++
		stats.FilesSuccess++
		stats.countType(f.detectedType)
		stats.absorb(ps)
	}
	return stats, nil
}

// ParseImport parses the pending and previously-failed files of one
// import, writing parse status back per file.
func (s *Service) ParseImport(ctx context.Context, importID uuid.UUID, opts BulkOptions) (DirStats, error) {
	stats := DirStats{ImportID: &importID}

	files, err := s.pendingFiles(ctx, importID, opts.MaxFiles)
	if err != nil {
		return stats, err
	}
	stats.FilesTotal = len(files)

	if opts.DryRun {
		for _, f := range files {
			if f.DetectedType == string(mwtab.FileTypeMWTab) {
				stats.countType(f.DetectedType)
			} else {
				stats.FilesSkipped++
			}
		}
		return stats, nil
	}

	for _, f := range files {
		if f.DetectedType != string(mwtab.FileTypeMWTab) || !opts.wants(f.DetectedType) {
			if err := s.Store.SetFileParseStatus(ctx, f.ID, store.ParseSkipped, "unsupported file type"); err != nil {
				return stats, err
			}
			stats.FilesSkipped++
			continue
		}

		fileID := f.ID
		ps, err := s.parseByScheme(ctx, ParseRequest{FileID: &fileID}, opts.Legacy)
		if err != nil {
			s.logger().Warn("parse failed", "file", f.Filename, "err", err)
			if stErr := s.Store.SetFileParseStatus(ctx, f.ID, store.ParseFailed, err.Error()); stErr != nil {
				return stats, stErr
			}
			stats.FilesFailed++
			stats.Errors = append(stats.Errors, fmt.Sprintf("parse %s: %v", f.Filename, err))
			if opts.FailFast {
				return stats, fmt.Errorf("parse %s: %w", f.Filename, err)
			}
			continue
		}
		if err := s.Store.SetFileParseStatus(ctx, f.ID, store.ParseSuccess, ""); err != nil {
			return stats, err
		}
		stats.FilesParsed++
		stats.FilesSuccess++
		stats.countType(f.DetectedType)
		stats.absorb(ps)
	}
	return stats, nil
}

func (s *Service) parseByScheme(ctx context.Context, req ParseRequest, legacy bool) (ParseStats, error) {
	if legacy {
		return s.ParseLegacy(ctx, req)
	}
	return s.ParseFile(ctx, req)
}

// pendingFiles lists an import's files still awaiting a successful parse,
// ordered by registration time.
func (s *Service) pendingFiles(ctx context.Context, importID uuid.UUID, maxFiles int) ([]store.File, error) {
	var out []store.File
	for _, status := range []store.ParseStatus{store.ParsePending, store.ParseFailed} {
		files, err := s.Store.ListFiles(ctx, store.FileFilter{ImportID: &importID, ParseStatus: status})
		if err != nil {
			return nil, err
		}
		out = append(out, files...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if maxFiles > 0 && len(out) > maxFiles {
		out = out[:maxFiles]
	}
	return out, nil
}

func detectFileType(path string) (mwtab.FileType, error) {
	fh, err := os.Open(path)
	if err != nil {
		return mwtab.FileTypeUnknown, err
	}
	defer fh.Close()
	return mwtab.DetectType(filepath.Base(path), fh), nil
}
