// Package store defines the relational persistence layer: the row types,
// the Store contract shared by the SQL and in-memory implementations, and
// the embedded DDL used to initialize a database.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrConflict reports a uniqueness violation on an isolated row insert.
var ErrConflict = errors.New("store: conflict")

// NotFoundError reports a missing row looked up by natural key.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// FileFilter narrows ListFiles. Zero values mean no filter.
type FileFilter struct {
	ID            *uuid.UUID
	ImportID      *uuid.UUID
	DetectedTypes []string
	ParseStatus   ParseStatus
	Limit         int
}

// SampleFilter narrows ListSamples.
type SampleFilter struct {
	UIDPrefix string
	Limit     int
}

// QCFilter narrows the QC summary. AnalysisID filters by the feature UID
// prefix, which embeds the analysis identifier.
type QCFilter struct {
	StudyID    string
	AnalysisID string
}

// UnitCount is a unit with its measurement count.
type UnitCount struct {
	Unit  string
	Count int64
}

// FeatureNullCount is a feature UID with its null-value count.
type FeatureNullCount struct {
	FeatureUID string
	Nulls      int64
}

// QCSummary aggregates data-quality measures over the measurement tables.
type QCSummary struct {
	TotalMeasurements int64
	NonNullValues     int64
	NullCount         int64
	NullPercent       float64
	DuplicatePairs    int64
	NegativeValues    int64
	OrphanSamples     int64
	OrphanFeatures    int64
	TopUnits          []UnitCount
	TopNullFeatures   []FeatureNullCount
	SamplesTotal      int64
	SamplesNoFactors  int64
}

// Store is the full persistence contract. Dimension upserts follow a
// read-then-conditionally-write pattern and are not race-free across
// processes; callers serialize ingestion per import.
type Store interface {
	// Import registry.
	CreateImport(ctx context.Context, rootPath string) (Import, error)
	FinishImport(ctx context.Context, importID uuid.UUID, status ImportStatus, notes string) error
	FileBySHA(ctx context.Context, sha256 string, sizeBytes int64) (File, error)
	FileByID(ctx context.Context, id uuid.UUID) (File, error)
	InsertFile(ctx context.Context, f *File) error
	SetFileParseStatus(ctx context.Context, fileID uuid.UUID, status ParseStatus, parseErr string) error
	ListFiles(ctx context.Context, filter FileFilter) ([]File, error)

	// Dimensions. Upserts return the stored row and whether it was created.
	UpsertStudy(ctx context.Context, studyID string) (Study, bool, error)
	UpsertAnalysis(ctx context.Context, studyPK uuid.UUID, analysisID string, fileID *uuid.UUID) (Analysis, bool, error)
	UpsertSample(ctx context.Context, s Sample) (Sample, bool, error)
	UpsertFeature(ctx context.Context, f Feature) (Feature, bool, error)
	InsertFeatures(ctx context.Context, feats []Feature) (int, error)
	UpsertSampleFactor(ctx context.Context, sf SampleFactor) error

	// Measurement facts.
	ExistingFileColKeys(ctx context.Context, fileID uuid.UUID, featureUIDs []string) (map[FileColKey]struct{}, error)
	ExistingSampleFeatureKeys(ctx context.Context, sampleUIDs, featureUIDs []string) (map[SampleFeatureKey]struct{}, error)
	InsertMeasurements(ctx context.Context, ms []Measurement) error
	InsertMeasurementRow(ctx context.Context, m Measurement) error
	UpsertMeasurementLegacy(ctx context.Context, m Measurement) (bool, error)

	// Category derivation reads and writes.
	ListAnalysesByFile(ctx context.Context, fileID uuid.UUID) ([]Analysis, error)
	SetAnalysisDevice(ctx context.Context, analysisPK uuid.UUID, device string) error
	SetFileDevice(ctx context.Context, fileID uuid.UUID, device string) error
	SetFileCategories(ctx context.Context, fileID uuid.UUID, exposure, sampleType, platform string) error
	ListSamples(ctx context.Context, filter SampleFilter) ([]Sample, error)
	SampleFactors(ctx context.Context, sampleUID string) ([]SampleFactor, error)
	SetSampleExposure(ctx context.Context, samplePK uuid.UUID, exposure string) error
	SetSampleMatrix(ctx context.Context, samplePK uuid.UUID, matrix string) error
	SampleFilePaths(ctx context.Context, sampleUID string) ([]string, error)

	// Downstream readers.
	QCSummarize(ctx context.Context, filter QCFilter) (QCSummary, error)
	CountExportRows(ctx context.Context, filter ExportFilter) (int64, error)
	ExportRows(ctx context.Context, filter ExportFilter, fn func(ExportRow) error) error

	Close() error
}
