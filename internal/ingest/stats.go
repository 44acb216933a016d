package ingest

import "github.com/google/uuid"

// ParseStats summarizes a single-file parse. MeasurementsUpdated is only
// populated by the legacy path; the streaming path never overwrites and
// counts conflicts under MeasurementsSkipped instead.
type ParseStats struct {
	StudyID    string
	AnalysisID string

	SamplesProcessed int
	SamplesCreated   int

	FeaturesProcessed int
	FeaturesCreated   int

	MeasurementsProcessed int
	MeasurementsInserted  int
	MeasurementsSkipped   int
	MeasurementsUpdated   int

	WarningsCount int
}

// DirStats aggregates a bulk parse over a directory or an import.
type DirStats struct {
	ImportID *uuid.UUID

	FilesTotal   int
	FilesParsed  int
	FilesSuccess int
	FilesFailed  int
	FilesSkipped int

	SamplesCreated       int
	FeaturesCreated      int
	MeasurementsInserted int

	Errors []string
	ByType map[string]int
}

func (s *DirStats) countType(detectedType string) {
	if s.ByType == nil {
		s.ByType = map[string]int{}
	}
	s.ByType[detectedType]++
}

func (s *DirStats) absorb(ps ParseStats) {
	s.SamplesCreated += ps.SamplesCreated
	s.FeaturesCreated += ps.FeaturesCreated
	s.MeasurementsInserted += ps.MeasurementsInserted
}
