package ingest

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"metaloader/internal/mwtab"
	"metaloader/internal/store"
)

// ParseLegacy ingests an MS mwTab file under the original identity
// scheme: sample UIDs carry the normalized label, measurement rows have
// no file reference, and a conflicting row is overwritten field-wise
// where the incoming value is non-null. Use ParseFile for new data; this
// path exists to extend datasets loaded before file-scoped identities.
func (s *Service) ParseLegacy(ctx context.Context, req ParseRequest) (ParseStats, error) {
	start := time.Now()
	stats, err := s.parseLegacy(ctx, req)
	s.Metrics.observeParse("legacy", err, start)
	return stats, err
}

func (s *Service) parseLegacy(ctx context.Context, req ParseRequest) (ParseStats, error) {
	var rec *store.File
	path := req.Path
	if req.FileID != nil {
		f, err := s.Store.FileByID(ctx, *req.FileID)
		if err != nil {
			return ParseStats{}, err
		}
		if f.DetectedType != string(mwtab.FileTypeMWTab) {
			return ParseStats{}, fmt.Errorf("file %s is not mwtab (detected %q)", f.ID, f.DetectedType)
		}
		rec = &f
		path = f.PathAbs
	}
	if path == "" {
		return ParseStats{}, fmt.Errorf("parse: either Path or FileID is required")
	}

	meta, err := scanMetadata(path, mwtab.VariantMS)
	if err != nil {
		return ParseStats{}, err
	}
	if meta.Metadata.StudyID == "" {
		return ParseStats{}, fmt.Errorf("missing required metadata: STUDY_ID")
	}
	if meta.Metadata.AnalysisID == "" {
		return ParseStats{}, fmt.Errorf("missing required metadata: ANALYSIS_ID")
	}

	columns, err := scanColumns(path, mwtab.VariantMS, meta.Metadata)
	if err != nil {
		return ParseStats{}, err
	}

	stats := ParseStats{
		StudyID:       meta.Metadata.StudyID,
		AnalysisID:    meta.Metadata.AnalysisID,
		WarningsCount: len(meta.Warnings),
	}

	if req.DryRun {
		err := s.dryRunCount(path, mwtab.VariantMS, meta, columns, &stats)
		return stats, err
	}

	study, _, err := s.Store.UpsertStudy(ctx, meta.Metadata.StudyID)
	if err != nil {
		return ParseStats{}, fmt.Errorf("upsert study: %w", err)
	}
	var fileID *uuid.UUID
	if rec != nil {
		fileID = &rec.ID
	}
	if _, _, err := s.Store.UpsertAnalysis(ctx, study.ID, meta.Metadata.AnalysisID, fileID); err != nil {
		return ParseStats{}, fmt.Errorf("upsert analysis: %w", err)
	}

	// Legacy sample identity folds the label into the UID; replicate
	// columns of one label collapse onto a single sample row.
	uidByLabel := map[string]string{}
	colLabel := map[int]string{}
	for _, col := range columns {
		colLabel[col.ColIndex] = col.SampleLabel
		if _, ok := uidByLabel[col.SampleLabel]; !ok {
			uidByLabel[col.SampleLabel] = mwtab.LegacySampleUID(meta.Metadata.StudyID, meta.Metadata.AnalysisID, col.SampleLabel)
		}
	}
	for label := range meta.Samples {
		if _, ok := uidByLabel[label]; !ok {
			uidByLabel[label] = mwtab.LegacySampleUID(meta.Metadata.StudyID, meta.Metadata.AnalysisID, label)
		}
	}
	for label, uid := range uidByLabel {
		var factorsRaw string
		if info, ok := meta.Samples[label]; ok {
			factorsRaw = info.FactorsRaw
		}
		_, created, err := s.Store.UpsertSample(ctx, store.Sample{
			StudyPK:     study.ID,
			SampleLabel: label,
			SampleUID:   uid,
			FactorsRaw:  factorsRaw,
		})
		if err != nil {
			return stats, fmt.Errorf("upsert sample %s: %w", uid, err)
		}
		stats.SamplesProcessed++
		if created {
			stats.SamplesCreated++
		}
		if factorsRaw == "" {
			continue
		}
		factors, warns := mwtab.ParseFactors(factorsRaw)
		stats.WarningsCount += len(warns)
		for key, value := range factors {
			sf := store.SampleFactor{SampleUID: uid, FactorKey: key, FactorValue: value}
			if err := s.Store.UpsertSampleFactor(ctx, sf); err != nil {
				return stats, fmt.Errorf("upsert sample factor %s/%s: %w", uid, key, err)
			}
		}
	}

	fh, err := os.Open(path)
	if err != nil {
		return stats, err
	}
	defer fh.Close()

	stream := mwtab.NewMSStream(fh, meta.Metadata)
	featSeen := map[string]struct{}{}
	for {
		m, ok, err := stream.Next()
		if err != nil {
			return stats, fmt.Errorf("stream measurements: %w", err)
		}
		if !ok {
			break
		}
		if _, seen := featSeen[m.FeatureUID]; !seen {
			featSeen[m.FeatureUID] = struct{}{}
			_, created, err := s.Store.UpsertFeature(ctx, store.Feature{
				FeatureUID:  m.FeatureUID,
				FeatureType: store.FeatureMetabolite,
				NameRaw:     m.FeatureName,
				RefmetName:  m.RefmetName,
				AnalysisID:  meta.Metadata.AnalysisID,
			})
			if err != nil {
				return stats, fmt.Errorf("upsert feature %s: %w", m.FeatureUID, err)
			}
			if created {
				stats.FeaturesCreated++
			}
		}

		label, ok := colLabel[m.ColIndex]
		if !ok {
			stats.WarningsCount++
			continue
		}
		stats.MeasurementsProcessed++
		created, err := s.Store.UpsertMeasurementLegacy(ctx, store.Measurement{
			SampleUID:  uidByLabel[label],
			FeatureUID: m.FeatureUID,
			Value:      m.Value,
			Unit:       meta.Metadata.Units,
		})
		if err != nil {
			return stats, fmt.Errorf("upsert measurement: %w", err)
		}
		if created {
			stats.MeasurementsInserted++
		} else {
			stats.MeasurementsUpdated++
		}
	}
	stats.FeaturesProcessed = len(featSeen)
	stats.WarningsCount += len(stream.Warnings())
	s.Metrics.addMeasurements(stats.MeasurementsInserted, 0)
	return stats, nil
}
