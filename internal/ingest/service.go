// Package ingest drives mwTab files into the relational store. The
// streaming path makes three passes over a file, metadata, header, then
// measurements, so a full matrix never has to sit in memory; rows land
// in batches with both uniqueness regimes checked up front.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"metaloader/internal/mwtab"
	"metaloader/internal/store"
)

// Service ingests parsed mwTab content.
type Service struct {
	Store     store.Store
	Metrics   *Metrics
	Logger    *slog.Logger
	BatchSize int
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ParseRequest identifies one file to parse. Either Path or FileID must
// be set. With FileID the registered absolute path is used and the file's
// recorded type must be mwtab; parse status writeback is the caller's
// concern. Variant is detected from content when left empty.
type ParseRequest struct {
	Path    string
	FileID  *uuid.UUID
	Variant mwtab.Variant
	DryRun  bool
}

// ParseFile parses one mwTab file on the streaming path.
func (s *Service) ParseFile(ctx context.Context, req ParseRequest) (ParseStats, error) {
	start := time.Now()
	stats, variant, err := s.parseFile(ctx, req)
	s.Metrics.observeParse(string(variant), err, start)
	return stats, err
}

func (s *Service) parseFile(ctx context.Context, req ParseRequest) (ParseStats, mwtab.Variant, error) {
	var rec *store.File
	path := req.Path
	if req.FileID != nil {
		f, err := s.Store.FileByID(ctx, *req.FileID)
		if err != nil {
			return ParseStats{}, "", err
		}
		if f.DetectedType != string(mwtab.FileTypeMWTab) {
			return ParseStats{}, "", fmt.Errorf("file %s is not mwtab (detected %q)", f.ID, f.DetectedType)
		}
		rec = &f
		path = f.PathAbs
	}
	if path == "" {
		return ParseStats{}, "", fmt.Errorf("parse: either Path or FileID is required")
	}

	variant := req.Variant
	if variant == "" {
		v, err := detectVariant(path)
		if err != nil {
			return ParseStats{}, "", err
		}
		variant = v
	}

	meta, err := scanMetadata(path, variant)
	if err != nil {
		return ParseStats{}, variant, err
	}
	// Identifiers are required before anything is written.
	if meta.Metadata.StudyID == "" {
		return ParseStats{}, variant, fmt.Errorf("missing required metadata: STUDY_ID")
	}
	if meta.Metadata.AnalysisID == "" {
		return ParseStats{}, variant, fmt.Errorf("missing required metadata: ANALYSIS_ID")
	}

	columns, err := scanColumns(path, variant, meta.Metadata)
	if err != nil {
		return ParseStats{}, variant, err
	}

	stats := ParseStats{
		StudyID:       meta.Metadata.StudyID,
		AnalysisID:    meta.Metadata.AnalysisID,
		WarningsCount: len(meta.Warnings),
	}

	if req.DryRun {
		err := s.dryRunCount(path, variant, meta, columns, &stats)
		return stats, variant, err
	}

	err = s.storeResults(ctx, path, variant, meta, columns, rec, &stats)
	return stats, variant, err
}

func (s *Service) storeResults(ctx context.Context, path string, variant mwtab.Variant, meta mwtab.MetadataResult, columns []mwtab.SampleColumn, rec *store.File, stats *ParseStats) error {
	study, _, err := s.Store.UpsertStudy(ctx, meta.Metadata.StudyID)
	if err != nil {
		return fmt.Errorf("upsert study: %w", err)
	}

	var fileID *uuid.UUID
	if rec != nil {
		fileID = &rec.ID
	}
	if _, _, err := s.Store.UpsertAnalysis(ctx, study.ID, meta.Metadata.AnalysisID, fileID); err != nil {
		return fmt.Errorf("upsert analysis: %w", err)
	}

	if err := s.upsertSamples(ctx, variant, meta, columns, study.ID, stats); err != nil {
		return err
	}

	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()

	b := newBatcher(s.Store, s.BatchSize)
	stream := newStream(fh, variant, meta.Metadata)
	featureType := store.FeatureMetabolite
	if variant == mwtab.VariantNMR {
		featureType = store.FeatureNMRBin
	}

	for {
		m, ok, err := stream.Next()
		if err != nil {
			return fmt.Errorf("stream measurements: %w", err)
		}
		if !ok {
			break
		}
		b.addFeature(store.Feature{
			FeatureUID:  m.FeatureUID,
			FeatureType: featureType,
			NameRaw:     m.FeatureName,
			RefmetName:  m.RefmetName,
			AnalysisID:  meta.Metadata.AnalysisID,
		})
		colIx := m.ColIndex
		repIx := m.ReplicateIx
		row := store.Measurement{
			SampleUID:   m.SampleUID,
			FeatureUID:  m.FeatureUID,
			Value:       m.Value,
			Unit:        meta.Metadata.Units,
			FileID:      fileID,
			ColIndex:    &colIx,
			ReplicateIx: &repIx,
		}
		stats.MeasurementsProcessed++
		if err := b.add(ctx, row); err != nil {
			return err
		}
	}
	if err := b.flush(ctx); err != nil {
		return err
	}

	stats.FeaturesProcessed = len(b.featSeen)
	stats.FeaturesCreated = b.featuresCreated
	stats.MeasurementsInserted = b.inserted
	stats.MeasurementsSkipped = b.skipped
	stats.WarningsCount += len(stream.Warnings()) + len(b.warnings)
	s.Metrics.addMeasurements(b.inserted, b.skipped)
	return nil
}

// upsertSamples writes one sample row per distinct UID, unioning the
// header columns with samples declared only in SUBJECT_SAMPLE_FACTORS,
// then fans the parsed factor strings out into sample_factors rows.
func (s *Service) upsertSamples(ctx context.Context, variant mwtab.Variant, meta mwtab.MetadataResult, columns []mwtab.SampleColumn, studyPK uuid.UUID, stats *ParseStats) error {
	type sampleRow struct {
		label   string
		factors string
	}
	byUID := map[string]sampleRow{}
	order := []string{}

	addSample := func(uid, label string) {
		if _, ok := byUID[uid]; ok {
			return
		}
		row := sampleRow{label: label}
		if info, ok := meta.Samples[label]; ok {
			row.factors = info.FactorsRaw
		}
		byUID[uid] = row
		order = append(order, uid)
	}

	for _, col := range columns {
		addSample(col.SampleUID, col.SampleLabel)
	}
	for label := range meta.Samples {
		uid := mwtab.MSSampleUID(meta.Metadata.StudyID, label)
		if variant == mwtab.VariantNMR {
			uid = mwtab.NMRSampleUID(meta.Metadata.StudyID, meta.Metadata.AnalysisID, label)
		}
		addSample(uid, label)
	}

	for _, uid := range order {
		row := byUID[uid]
		_, created, err := s.Store.UpsertSample(ctx, store.Sample{
			StudyPK:     studyPK,
			SampleLabel: row.label,
			SampleUID:   uid,
			FactorsRaw:  row.factors,
		})
		if err != nil {
			return fmt.Errorf("upsert sample %s: %w", uid, err)
		}
		stats.SamplesProcessed++
		if created {
			stats.SamplesCreated++
		}
		if row.factors == "" {
			continue
		}
		factors, warns := mwtab.ParseFactors(row.factors)
		stats.WarningsCount += len(warns)
		for key, value := range factors {
			sf := store.SampleFactor{SampleUID: uid, FactorKey: key, FactorValue: value}
			if err := s.Store.UpsertSampleFactor(ctx, sf); err != nil {
				return fmt.Errorf("upsert sample factor %s/%s: %w", uid, key, err)
			}
		}
	}
	return nil
}

// dryRunCount walks the measurement section without touching the store.
func (s *Service) dryRunCount(path string, variant mwtab.Variant, meta mwtab.MetadataResult, columns []mwtab.SampleColumn, stats *ParseStats) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()

	stream := newStream(fh, variant, meta.Metadata)
	features := map[string]struct{}{}
	for {
		m, ok, err := stream.Next()
		if err != nil {
			return fmt.Errorf("stream measurements: %w", err)
		}
		if !ok {
			break
		}
		features[m.FeatureUID] = struct{}{}
		stats.MeasurementsProcessed++
	}
	stats.SamplesProcessed = len(columns)
	stats.FeaturesProcessed = len(features)
	stats.WarningsCount += len(stream.Warnings())
	return nil
}

// measurementStream is satisfied by both variant stream types.
type measurementStream interface {
	Next() (mwtab.Measurement, bool, error)
	Warnings() []string
}

func newStream(fh *os.File, variant mwtab.Variant, meta mwtab.Metadata) measurementStream {
	if variant == mwtab.VariantNMR {
		return mwtab.NewNMRStream(fh, meta)
	}
	return mwtab.NewMSStream(fh, meta)
}

func detectVariant(path string) (mwtab.Variant, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fh.Close()
	v, ok := mwtab.DetectVariant(fh)
	if !ok {
		return "", fmt.Errorf("no measurement section found in %s", path)
	}
	return v, nil
}

func scanMetadata(path string, variant mwtab.Variant) (mwtab.MetadataResult, error) {
	fh, err := os.Open(path)
	if err != nil {
		return mwtab.MetadataResult{}, err
	}
	defer fh.Close()
	return mwtab.ScanMetadata(fh, variant)
}

func scanColumns(path string, variant mwtab.Variant, meta mwtab.Metadata) ([]mwtab.SampleColumn, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	if variant == mwtab.VariantNMR {
		return mwtab.ScanNMRSampleColumns(fh, meta)
	}
	return mwtab.ScanMSSampleColumns(fh, meta)
}
