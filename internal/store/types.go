package store

import (
	"time"

	"github.com/google/uuid"
)

// ImportStatus is the lifecycle state of a bulk import run.
type ImportStatus string

const (
	ImportRunning ImportStatus = "running"
	ImportSuccess ImportStatus = "success"
	ImportFailed  ImportStatus = "failed"
)

// ParseStatus is the per-file parse lifecycle state, the only externally
// observable signal for a registered file.
type ParseStatus string

const (
	ParsePending ParseStatus = "pending"
	ParseSuccess ParseStatus = "success"
	ParseFailed  ParseStatus = "failed"
	ParseSkipped ParseStatus = "skipped"
)

// FeatureType tags the kind of row a feature UID identifies.
const (
	FeatureMetabolite = "metabolite"
	FeatureNMRBin     = "nmr_bin"
)

// Import is one bulk-import run over a directory tree.
type Import struct {
	ID        uuid.UUID
	CreatedAt time.Time
	RootPath  string
	Status    ImportStatus
	Notes     string
}

// File is a registered input file. Files are deduplicated on
// (sha256, size_bytes); the category columns are backfilled later by the
// derivation pass and start empty.
type File struct {
	ID           uuid.UUID
	ImportID     uuid.UUID
	PathRel      string
	PathAbs      string
	Filename     string
	Ext          string
	SizeBytes    int64
	SHA256       string
	DetectedType string
	Device       string
	Exposure     string
	SampleType   string
	Platform     string
	ParseStatus  ParseStatus
	ParseError   string
	ParsedAt     *time.Time
	CreatedAt    time.Time
}

// Study is one row per external study identifier. Created on first sight,
// never mutated.
type Study struct {
	ID        uuid.UUID
	StudyID   string
	CreatedAt time.Time
}

// Analysis is one row per (analysis identifier, study) pair. The file
// reference is backfilled if discovered after creation.
type Analysis struct {
	ID         uuid.UUID
	StudyPK    uuid.UUID
	AnalysisID string
	FileID     *uuid.UUID
	Device     string
	CreatedAt  time.Time
}

// Sample is one row per globally-unique sample UID. Exposure and
// SampleMatrix are derived categories set by a later pass.
type Sample struct {
	ID           uuid.UUID
	StudyPK      uuid.UUID
	SampleLabel  string
	SampleUID    string
	FactorsRaw   string
	Exposure     string
	SampleMatrix string
	CreatedAt    time.Time
}

// Feature is one row per globally-unique feature UID.
type Feature struct {
	ID          uuid.UUID
	FeatureUID  string
	FeatureType string
	NameRaw     string
	RefmetName  string
	AnalysisID  string
	CreatedAt   time.Time
}

// SampleFactor is the denormalized (sample UID, factor key) view of the
// raw factor string. Values are last-write-wins.
type SampleFactor struct {
	ID          uuid.UUID
	SampleUID   string
	FactorKey   string
	FactorValue string
}

// Measurement is the fact table row. Value is nullable; FileID, ColIndex
// and ReplicateIx are null for rows ingested by the legacy path.
type Measurement struct {
	ID          uuid.UUID
	SampleUID   string
	FeatureUID  string
	Value       *float64
	Unit        string
	FileID      *uuid.UUID
	ColIndex    *int
	ReplicateIx *int16
	CreatedAt   time.Time
}

// FileColKey is the authoritative measurement uniqueness key, defined only
// for rows carrying a file reference.
type FileColKey struct {
	FileID     uuid.UUID
	ColIndex   int
	FeatureUID string
}

// SampleFeatureKey is the legacy measurement uniqueness key.
type SampleFeatureKey struct {
	SampleUID  string
	FeatureUID string
}

// Key returns the measurement's file-scoped uniqueness key; ok is false
// for legacy rows without a file reference.
func (m Measurement) Key() (FileColKey, bool) {
	if m.FileID == nil || m.ColIndex == nil {
		return FileColKey{}, false
	}
	return FileColKey{FileID: *m.FileID, ColIndex: *m.ColIndex, FeatureUID: m.FeatureUID}, true
}

// LegacyKey returns the measurement's (sample, feature) uniqueness key.
func (m Measurement) LegacyKey() SampleFeatureKey {
	return SampleFeatureKey{SampleUID: m.SampleUID, FeatureUID: m.FeatureUID}
}

// ExportRow is one denormalized long-format row produced by the export
// join over measurements, files, samples, features, studies and analyses.
// The category columns come from the file, not the sample.
type ExportRow struct {
	FileID       string
	PathRel      string
	DetectedType string
	Device       string
	Exposure     string
	SampleType   string
	Platform     string
	SampleUID    string
	SampleLabel  string
	FeatureUID   string
	FeatureType  string
	FeatureName  string
	RefmetName   string
	Value        *float64
	Unit         string
	ColIndex     *int
	ReplicateIx  *int16
	StudyID      string
	AnalysisID   string
	CreatedAt    string
}

// ExportFilter narrows the export row set. Zero values mean no filter.
type ExportFilter struct {
	FileID      *uuid.UUID
	ImportID    *uuid.UUID
	FeatureType string
	StudyID     string
}
