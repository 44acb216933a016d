// Package registry tracks input files: each ingestion run becomes an
// import row, each file a content-addressed file row deduplicated on
// (sha256, size). Registration never parses; the parse status column is
// how downstream stages claim work.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"metaloader/internal/mwtab"
	"metaloader/internal/store"
)

// Service registers files and manages import lifecycle rows.
type Service struct {
	Store  store.Store
	Logger *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ErrExtensionNotAllowed rejects a registration by file extension.
var ErrExtensionNotAllowed = errors.New("extension not allowed")

// IngestOptions tunes a directory ingestion run.
type IngestOptions struct {
	Notes string
	// IncludeExtensions overrides the default allow-list. Entries may be
	// given with or without the leading dot.
	IncludeExtensions []string
	MaxFiles          int
	DryRun            bool
}

// IngestStats summarizes one directory ingestion.
type IngestStats struct {
	ImportID *uuid.UUID
	RootPath string

	FilesFound     int
	FilesProcessed int
	FilesNew       int
	FilesDuplicate int
	FilesSkipped   int
	FilesError     int

	Errors      []string
	ByType      map[string]int
	ByExtension map[string]int
}

// IngestDir walks dir recursively, registering every file with an
// allowed extension under a fresh import. Files are visited in sorted
// order; the import row is finalized with a status and a notes summary
// even when individual files error.
func (s *Service) IngestDir(ctx context.Context, dir string, opts IngestOptions) (IngestStats, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return IngestStats{}, err
	}
	if !info.IsDir() {
		return IngestStats{}, fmt.Errorf("not a directory: %s", dir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return IngestStats{}, err
	}

	stats := IngestStats{
		RootPath:    abs,
		ByType:      map[string]int{},
		ByExtension: map[string]int{},
	}

	allowed := extensionSet(opts.IncludeExtensions)
	var paths []string
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if opts.MaxFiles > 0 && len(paths) >= opts.MaxFiles {
			return fs.SkipAll
		}
		if !extensionAllowed(path, allowed) {
			stats.FilesSkipped++
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return stats, err
	}
	sort.Strings(paths)
	stats.FilesFound = len(paths)

	if opts.DryRun {
		return stats, nil
	}

	imp, err := s.Store.CreateImport(ctx, abs)
	if err != nil {
		return stats, fmt.Errorf("create import: %w", err)
	}
	stats.ImportID = &imp.ID

	for _, path := range paths {
		f, isNew, err := s.RegisterFile(ctx, path, imp.ID, abs)
		if errors.Is(err, ErrExtensionNotAllowed) {
			stats.FilesSkipped++
			continue
		}
		if err != nil {
			s.logger().Warn("register failed", "path", path, "err", err)
			stats.FilesError++
			stats.Errors = append(stats.Errors, fmt.Sprintf("register %s: %v", path, err))
			continue
		}
		stats.FilesProcessed++
		if isNew {
			stats.FilesNew++
		} else {
			stats.FilesDuplicate++
		}
		stats.ByType[f.DetectedType]++
		stats.ByExtension[f.Ext]++
	}

	status := store.ImportSuccess
	notes := fmt.Sprintf("%d new, %d duplicates", stats.FilesNew, stats.FilesDuplicate)
	if stats.FilesError > 0 {
		notes = fmt.Sprintf("%d new, %d dup, %d errors", stats.FilesNew, stats.FilesDuplicate, stats.FilesError)
		if stats.FilesNew == 0 {
			status = store.ImportFailed
		}
	}
	if opts.Notes != "" {
		notes = opts.Notes + "; " + notes
	}
	if err := s.Store.FinishImport(ctx, imp.ID, status, notes); err != nil {
		return stats, fmt.Errorf("finalize import: %w", err)
	}
	return stats, nil
}

// RegisterFile hashes and registers a single file under importID,
// returning the stored row and whether it was newly created. A file whose
// (sha256, size) pair is already registered is returned as a duplicate,
// including the case where a concurrent writer wins the insert race.
func (s *Service) RegisterFile(ctx context.Context, path string, importID uuid.UUID, root string) (store.File, bool, error) {
	if !mwtab.ValidateExtension(path) {
		return store.File{}, false, fmt.Errorf("%w: %q", ErrExtensionNotAllowed, filepath.Ext(path))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return store.File{}, false, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return store.File{}, false, err
	}
	if info.IsDir() {
		return store.File{}, false, fmt.Errorf("not a file: %s", abs)
	}

	sum, err := hashFile(abs)
	if err != nil {
		return store.File{}, false, err
	}

	existing, err := s.Store.FileBySHA(ctx, sum, info.Size())
	if err == nil {
		return existing, false, nil
	}
	if !store.IsNotFound(err) {
		return store.File{}, false, err
	}

	detected, err := detectType(abs)
	if err != nil {
		return store.File{}, false, err
	}

	var rel string
	if root != "" {
		if r, err := filepath.Rel(root, abs); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}

	f := store.File{
		ImportID:     importID,
		PathRel:      rel,
		PathAbs:      abs,
		Filename:     filepath.Base(abs),
		Ext:          strings.ToLower(filepath.Ext(abs)),
		SizeBytes:    info.Size(),
		SHA256:       sum,
		DetectedType: string(detected),
	}
	if err := s.Store.InsertFile(ctx, &f); err != nil {
		if errors.Is(err, store.ErrConflict) {
			if winner, lookupErr := s.Store.FileBySHA(ctx, sum, info.Size()); lookupErr == nil {
				return winner, false, nil
			}
		}
		return store.File{}, false, fmt.Errorf("insert file: %w", err)
	}
	return f, true, nil
}

// hashFile streams the file through SHA-256.
func hashFile(path string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fh.Close()

	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func detectType(path string) (mwtab.FileType, error) {
	fh, err := os.Open(path)
	if err != nil {
		return mwtab.FileTypeUnknown, err
	}
	defer fh.Close()
	return mwtab.DetectType(filepath.Base(path), fh), nil
}

func extensionSet(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = struct{}{}
	}
	return set
}

// extensionAllowed applies the override set when present, otherwise the
// shared allow-list.
func extensionAllowed(path string, override map[string]struct{}) bool {
	if override != nil {
		_, ok := override[strings.ToLower(filepath.Ext(path))]
		return ok
	}
	return mwtab.ValidateExtension(path)
}
