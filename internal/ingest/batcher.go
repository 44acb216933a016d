package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"metaloader/internal/store"
)

const (
	defaultBatchSize = 1000
	miniBatchSize    = 500
)

// batcher accumulates measurement rows and flushes them in fixed-size
// batches, features first so the foreign keys resolve. Before inserting,
// each row is checked against both uniqueness regimes: the file-scoped
// (file_id, col_index, feature_uid) key and the legacy
// (sample_uid, feature_uid) key. Keys seen earlier in the same run are
// tracked in memory, so replicate columns past the first are skipped
// instead of tripping the legacy constraint mid-transaction.
type batcher struct {
	st   store.Store
	size int

	buf      []store.Measurement
	features []store.Feature
	featSeen map[string]struct{}

	seenFile   map[store.FileColKey]struct{}
	seenLegacy map[store.SampleFeatureKey]struct{}

	featuresCreated int
	inserted        int
	skipped         int
	warnings        []string
}

func newBatcher(st store.Store, size int) *batcher {
	if size <= 0 {
		size = defaultBatchSize
	}
	return &batcher{
		st:         st,
		size:       size,
		featSeen:   map[string]struct{}{},
		seenFile:   map[store.FileColKey]struct{}{},
		seenLegacy: map[store.SampleFeatureKey]struct{}{},
	}
}

// addFeature queues a feature for the next flush. Repeats of a UID are
// dropped here so the insert batch carries each feature once.
func (b *batcher) addFeature(f store.Feature) {
	if _, ok := b.featSeen[f.FeatureUID]; ok {
		return
	}
	b.featSeen[f.FeatureUID] = struct{}{}
	b.features = append(b.features, f)
}

func (b *batcher) add(ctx context.Context, m store.Measurement) error {
	b.buf = append(b.buf, m)
	if len(b.buf) >= b.size {
		return b.flush(ctx)
	}
	return nil
}

func (b *batcher) flush(ctx context.Context) error {
	if len(b.features) > 0 {
		created, err := b.st.InsertFeatures(ctx, b.features)
		if err != nil {
			return fmt.Errorf("insert features: %w", err)
		}
		b.featuresCreated += created
		b.features = b.features[:0]
	}
	if len(b.buf) == 0 {
		return nil
	}
	rows := b.buf
	b.buf = nil

	keep, err := b.dedupe(ctx, rows)
	if err != nil {
		return err
	}

	for start := 0; start < len(keep); start += miniBatchSize {
		end := min(start+miniBatchSize, len(keep))
		chunk := keep[start:end]
		if err := b.st.InsertMeasurements(ctx, chunk); err != nil {
			// Set insert failed as a whole; retry row by row so one bad
			// row does not discard the rest of the chunk.
			b.insertRows(ctx, chunk)
			continue
		}
		b.inserted += len(chunk)
	}
	return nil
}

// dedupe drops rows whose uniqueness key already exists in the database
// or was claimed earlier in this run, under either regime.
func (b *batcher) dedupe(ctx context.Context, rows []store.Measurement) ([]store.Measurement, error) {
	var fileID *uuid.UUID
	featSet := map[string]struct{}{}
	sampleSet := map[string]struct{}{}
	for _, m := range rows {
		featSet[m.FeatureUID] = struct{}{}
		sampleSet[m.SampleUID] = struct{}{}
		if fileID == nil && m.FileID != nil {
			fileID = m.FileID
		}
	}
	featureUIDs := make([]string, 0, len(featSet))
	for uid := range featSet {
		featureUIDs = append(featureUIDs, uid)
	}
	sampleUIDs := make([]string, 0, len(sampleSet))
	for uid := range sampleSet {
		sampleUIDs = append(sampleUIDs, uid)
	}

	existingFile := map[store.FileColKey]struct{}{}
	if fileID != nil {
		var err error
		existingFile, err = b.st.ExistingFileColKeys(ctx, *fileID, featureUIDs)
		if err != nil {
			return nil, fmt.Errorf("lookup file keys: %w", err)
		}
	}
	existingLegacy, err := b.st.ExistingSampleFeatureKeys(ctx, sampleUIDs, featureUIDs)
	if err != nil {
		return nil, fmt.Errorf("lookup legacy keys: %w", err)
	}

	keep := rows[:0]
	for _, m := range rows {
		if fk, ok := m.Key(); ok {
			if _, dup := existingFile[fk]; dup {
				b.skipped++
				continue
			}
			if _, dup := b.seenFile[fk]; dup {
				b.skipped++
				continue
			}
			b.seenFile[fk] = struct{}{}
		}
		lk := m.LegacyKey()
		if _, dup := existingLegacy[lk]; dup {
			b.skipped++
			continue
		}
		if _, dup := b.seenLegacy[lk]; dup {
			b.skipped++
			continue
		}
		b.seenLegacy[lk] = struct{}{}
		keep = append(keep, m)
	}
	return keep, nil
}

// insertRows is the isolated fallback: each row in its own statement,
// conflicts and per-row errors counted as skips.
func (b *batcher) insertRows(ctx context.Context, rows []store.Measurement) {
	for _, m := range rows {
		err := b.st.InsertMeasurementRow(ctx, m)
		switch {
		case err == nil:
			b.inserted++
		case errors.Is(err, store.ErrConflict):
			b.skipped++
		default:
			b.skipped++
			b.warnings = append(b.warnings, fmt.Sprintf("measurement insert failed: %v", err))
		}
	}
}
