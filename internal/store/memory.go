package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time contract assertion.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store used by tests. It enforces the same
// uniqueness regimes as the SQL schema.
type MemStore struct {
	mu sync.Mutex

	imports  map[uuid.UUID]Import
	files    []File
	studies  map[string]Study
	analyses map[string]Analysis
	samples  map[string]Sample
	features map[string]Feature
	factors  map[string]SampleFactor

	measurements []Measurement
	byFileCol    map[FileColKey]int
	byLegacy     map[SampleFeatureKey]int
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		imports:   make(map[uuid.UUID]Import),
		studies:   make(map[string]Study),
		analyses:  make(map[string]Analysis),
		samples:   make(map[string]Sample),
		features:  make(map[string]Feature),
		factors:   make(map[string]SampleFactor),
		byFileCol: make(map[FileColKey]int),
		byLegacy:  make(map[SampleFeatureKey]int),
	}
}

func (s *MemStore) Close() error { return nil }

func analysisKey(analysisID string, studyPK uuid.UUID) string {
	return analysisID + "|" + studyPK.String()
}

func factorKey(sampleUID, key string) string { return sampleUID + "|" + key }

func (s *MemStore) CreateImport(_ context.Context, rootPath string) (Import, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	imp := Import{ID: uuid.New(), CreatedAt: time.Now().UTC(), RootPath: rootPath, Status: ImportRunning}
	s.imports[imp.ID] = imp
	return imp, nil
}

func (s *MemStore) FinishImport(_ context.Context, importID uuid.UUID, status ImportStatus, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	imp, ok := s.imports[importID]
	if !ok {
		return NotFoundError{Entity: "import", Key: importID.String()}
	}
	imp.Status = status
	imp.Notes = notes
	s.imports[importID] = imp
	return nil
}

func (s *MemStore) FileBySHA(_ context.Context, sha256 string, sizeBytes int64) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		if f.SHA256 == sha256 && f.SizeBytes == sizeBytes {
			return f, nil
		}
	}
	return File{}, NotFoundError{Entity: "file", Key: sha256}
}

func (s *MemStore) FileByID(_ context.Context, id uuid.UUID) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		if f.ID == id {
			return f, nil
		}
	}
	return File{}, NotFoundError{Entity: "file", Key: id.String()}
}

func (s *MemStore) InsertFile(_ context.Context, f *File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if f.ParseStatus == "" {
		f.ParseStatus = ParsePending
	}
	if f.SHA256 != "" {
		for _, existing := range s.files {
			if existing.SHA256 == f.SHA256 && existing.SizeBytes == f.SizeBytes {
				return fmt.Errorf("insert file %s: %w", f.Filename, ErrConflict)
			}
		}
	}
	s.files = append(s.files, *f)
	return nil
}

func (s *MemStore) SetFileParseStatus(_ context.Context, fileID uuid.UUID, status ParseStatus, parseErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.files {
		if s.files[i].ID == fileID {
			now := time.Now().UTC()
			s.files[i].ParseStatus = status
			s.files[i].ParseError = parseErr
			s.files[i].ParsedAt = &now
			return nil
		}
	}
	return NotFoundError{Entity: "file", Key: fileID.String()}
}

func (s *MemStore) ListFiles(_ context.Context, filter FileFilter) ([]File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []File
	for _, f := range s.files {
		if filter.ID != nil && f.ID != *filter.ID {
			continue
		}
		if filter.ImportID != nil && f.ImportID != *filter.ImportID {
			continue
		}
		if filter.ParseStatus != "" && f.ParseStatus != filter.ParseStatus {
			continue
		}
		if len(filter.DetectedTypes) > 0 && !containsString(filter.DetectedTypes, f.DetectedType) {
			continue
		}
		out = append(out, f)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func containsString(in []string, want string) bool {
	for _, s := range in {
		if s == want {
			return true
		}
	}
	return false
}

func (s *MemStore) UpsertStudy(_ context.Context, studyID string) (Study, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.studies[studyID]; ok {
		return st, false, nil
	}
	st := Study{ID: uuid.New(), StudyID: studyID, CreatedAt: time.Now().UTC()}
	s.studies[studyID] = st
	return st, true, nil
}

func (s *MemStore) UpsertAnalysis(_ context.Context, studyPK uuid.UUID, analysisID string, fileID *uuid.UUID) (Analysis, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := analysisKey(analysisID, studyPK)
	if a, ok := s.analyses[key]; ok {
		if a.FileID == nil && fileID != nil {
			a.FileID = fileID
			s.analyses[key] = a
		}
		return a, false, nil
	}
	a := Analysis{ID: uuid.New(), StudyPK: studyPK, AnalysisID: analysisID, FileID: fileID, CreatedAt: time.Now().UTC()}
	s.analyses[key] = a
	return a, true, nil
}

func (s *MemStore) UpsertSample(_ context.Context, smp Sample) (Sample, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.samples[smp.SampleUID]; ok {
		if stored.FactorsRaw == "" && smp.FactorsRaw != "" {
			stored.FactorsRaw = smp.FactorsRaw
		}
		if smp.SampleLabel != "" && smp.SampleLabel != stored.SampleLabel {
			stored.SampleLabel = smp.SampleLabel
		}
		s.samples[smp.SampleUID] = stored
		return stored, false, nil
	}
	smp.ID = uuid.New()
	smp.CreatedAt = time.Now().UTC()
	s.samples[smp.SampleUID] = smp
	return smp, true, nil
}

func (s *MemStore) UpsertFeature(_ context.Context, f Feature) (Feature, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.features[f.FeatureUID]; ok {
		if stored.NameRaw == "" && f.NameRaw != "" {
			stored.NameRaw = f.NameRaw
			s.features[f.FeatureUID] = stored
		}
		return stored, false, nil
	}
	f.ID = uuid.New()
	f.CreatedAt = time.Now().UTC()
	s.features[f.FeatureUID] = f
	return f, true, nil
}

func (s *MemStore) InsertFeatures(_ context.Context, feats []Feature) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, f := range feats {
		if _, ok := s.features[f.FeatureUID]; ok {
			continue
		}
		if f.ID == uuid.Nil {
			f.ID = uuid.New()
		}
		f.CreatedAt = time.Now().UTC()
		s.features[f.FeatureUID] = f
		inserted++
	}
	return inserted, nil
}

func (s *MemStore) UpsertSampleFactor(_ context.Context, sf SampleFactor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := factorKey(sf.SampleUID, sf.FactorKey)
	if stored, ok := s.factors[key]; ok {
		stored.FactorValue = sf.FactorValue
		s.factors[key] = stored
		return nil
	}
	if sf.ID == uuid.Nil {
		sf.ID = uuid.New()
	}
	s.factors[key] = sf
	return nil
}

func (s *MemStore) ExistingFileColKeys(_ context.Context, fileID uuid.UUID, featureUIDs []string) (map[FileColKey]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]struct{}, len(featureUIDs))
	for _, uid := range featureUIDs {
		want[uid] = struct{}{}
	}
	keys := make(map[FileColKey]struct{})
	for k := range s.byFileCol {
		if k.FileID != fileID {
			continue
		}
		if _, ok := want[k.FeatureUID]; ok {
			keys[k] = struct{}{}
		}
	}
	return keys, nil
}

func (s *MemStore) ExistingSampleFeatureKeys(_ context.Context, sampleUIDs, featureUIDs []string) (map[SampleFeatureKey]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wantS := make(map[string]struct{}, len(sampleUIDs))
	for _, uid := range sampleUIDs {
		wantS[uid] = struct{}{}
	}
	wantF := make(map[string]struct{}, len(featureUIDs))
	for _, uid := range featureUIDs {
		wantF[uid] = struct{}{}
	}
	keys := make(map[SampleFeatureKey]struct{})
	for k := range s.byLegacy {
		_, okS := wantS[k.SampleUID]
		_, okF := wantF[k.FeatureUID]
		if okS && okF {
			keys[k] = struct{}{}
		}
	}
	return keys, nil
}

func (s *MemStore) InsertMeasurements(_ context.Context, ms []Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Validate the whole batch first so a conflict leaves nothing applied,
	// mirroring a rolled-back transaction.
	seenFile := make(map[FileColKey]struct{})
	seenLegacy := make(map[SampleFeatureKey]struct{})
	for _, m := range ms {
		if key, ok := m.Key(); ok {
			if _, dup := s.byFileCol[key]; dup {
				return ErrConflict
			}
			if _, dup := seenFile[key]; dup {
				return ErrConflict
			}
			seenFile[key] = struct{}{}
		}
		legacy := m.LegacyKey()
		if _, dup := s.byLegacy[legacy]; dup {
			return ErrConflict
		}
		if _, dup := seenLegacy[legacy]; dup {
			return ErrConflict
		}
		seenLegacy[legacy] = struct{}{}
	}
	for _, m := range ms {
		s.appendMeasurementLocked(m)
	}
	return nil
}

func (s *MemStore) InsertMeasurementRow(_ context.Context, m Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := m.Key(); ok {
		if _, dup := s.byFileCol[key]; dup {
			return ErrConflict
		}
	}
	if _, dup := s.byLegacy[m.LegacyKey()]; dup {
		return ErrConflict
	}
	s.appendMeasurementLocked(m)
	return nil
}

func (s *MemStore) appendMeasurementLocked(m Measurement) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	idx := len(s.measurements)
	s.measurements = append(s.measurements, m)
	if key, ok := m.Key(); ok {
		s.byFileCol[key] = idx
	}
	s.byLegacy[m.LegacyKey()] = idx
}

func (s *MemStore) UpsertMeasurementLegacy(_ context.Context, m Measurement) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.byLegacy[m.LegacyKey()]; ok {
		stored := &s.measurements[idx]
		if m.Value != nil {
			stored.Value = m.Value
		}
		if m.Unit != "" {
			stored.Unit = m.Unit
		}
		return false, nil
	}
	s.appendMeasurementLocked(m)
	return true, nil
}

func (s *MemStore) ListAnalysesByFile(_ context.Context, fileID uuid.UUID) ([]Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Analysis
	for _, a := range s.analyses {
		if a.FileID != nil && *a.FileID == fileID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AnalysisID < out[j].AnalysisID })
	return out, nil
}

func (s *MemStore) SetAnalysisDevice(_ context.Context, analysisPK uuid.UUID, device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, a := range s.analyses {
		if a.ID == analysisPK {
			a.Device = device
			s.analyses[key] = a
			return nil
		}
	}
	return NotFoundError{Entity: "analysis", Key: analysisPK.String()}
}

func (s *MemStore) SetFileDevice(_ context.Context, fileID uuid.UUID, device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.files {
		if s.files[i].ID == fileID {
			s.files[i].Device = device
			return nil
		}
	}
	return NotFoundError{Entity: "file", Key: fileID.String()}
}

func (s *MemStore) SetFileCategories(_ context.Context, fileID uuid.UUID, exposure, sampleType, platform string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.files {
		if s.files[i].ID == fileID {
			s.files[i].Exposure = exposure
			s.files[i].SampleType = sampleType
			s.files[i].Platform = platform
			return nil
		}
	}
	return NotFoundError{Entity: "file", Key: fileID.String()}
}

func (s *MemStore) ListSamples(_ context.Context, filter SampleFilter) ([]Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Sample
	for _, smp := range s.samples {
		if filter.UIDPrefix != "" && !strings.HasPrefix(smp.SampleUID, filter.UIDPrefix) {
			continue
		}
		out = append(out, smp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SampleUID < out[j].SampleUID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemStore) SampleFactors(_ context.Context, sampleUID string) ([]SampleFactor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SampleFactor
	for _, sf := range s.factors {
		if sf.SampleUID == sampleUID {
			out = append(out, sf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FactorKey < out[j].FactorKey })
	return out, nil
}

func (s *MemStore) SetSampleExposure(_ context.Context, samplePK uuid.UUID, exposure string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, smp := range s.samples {
		if smp.ID == samplePK {
			smp.Exposure = exposure
			s.samples[uid] = smp
			return nil
		}
	}
	return NotFoundError{Entity: "sample", Key: samplePK.String()}
}

func (s *MemStore) SetSampleMatrix(_ context.Context, samplePK uuid.UUID, matrix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, smp := range s.samples {
		if smp.ID == samplePK {
			smp.SampleMatrix = matrix
			s.samples[uid] = smp
			return nil
		}
	}
	return NotFoundError{Entity: "sample", Key: samplePK.String()}
}

func (s *MemStore) SampleFilePaths(_ context.Context, sampleUID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var paths []string
	for _, m := range s.measurements {
		if m.SampleUID != sampleUID || m.FileID == nil {
			continue
		}
		for _, f := range s.files {
			if f.ID == *m.FileID {
				if _, dup := seen[f.PathAbs]; !dup {
					seen[f.PathAbs] = struct{}{}
					paths = append(paths, f.PathAbs)
				}
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *MemStore) QCSummarize(_ context.Context, filter QCFilter) (QCSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum QCSummary

	studySamples := make(map[string]struct{})
	var studyPK uuid.UUID
	if filter.StudyID != "" {
		if st, ok := s.studies[filter.StudyID]; ok {
			studyPK = st.ID
		}
		for _, smp := range s.samples {
			if smp.StudyPK == studyPK {
				studySamples[smp.SampleUID] = struct{}{}
			}
		}
	}
	match := func(m Measurement) bool {
		if filter.StudyID != "" {
			if _, ok := studySamples[m.SampleUID]; !ok {
				return false
			}
		}
		if filter.AnalysisID != "" && !strings.HasPrefix(m.FeatureUID, filter.AnalysisID+":") {
			return false
		}
		return true
	}

	pairCounts := make(map[SampleFeatureKey]int64)
	unitCounts := make(map[string]int64)
	nullFeatures := make(map[string]int64)
	for _, m := range s.measurements {
		if !match(m) {
			continue
		}
		sum.TotalMeasurements++
		if m.Value != nil {
			sum.NonNullValues++
			if *m.Value < 0 {
				sum.NegativeValues++
			}
		} else {
			nullFeatures[m.FeatureUID]++
		}
		pairCounts[m.LegacyKey()]++
		unitCounts[m.Unit]++
		if _, ok := s.samples[m.SampleUID]; !ok {
			sum.OrphanSamples++
		}
		if _, ok := s.features[m.FeatureUID]; !ok {
			sum.OrphanFeatures++
		}
	}
	sum.NullCount = sum.TotalMeasurements - sum.NonNullValues
	if sum.TotalMeasurements > 0 {
		sum.NullPercent = 100 * float64(sum.NullCount) / float64(sum.TotalMeasurements)
	}
	for _, n := range pairCounts {
		if n > 1 {
			sum.DuplicatePairs++
		}
	}
	sum.TopUnits = topCounts(unitCounts, func(k string, n int64) UnitCount {
		return UnitCount{Unit: k, Count: n}
	})
	sum.TopNullFeatures = topCounts(nullFeatures, func(k string, n int64) FeatureNullCount {
		return FeatureNullCount{FeatureUID: k, Nulls: n}
	})

	for _, smp := range s.samples {
		if filter.StudyID != "" && smp.StudyPK != studyPK {
			continue
		}
		sum.SamplesTotal++
		if smp.FactorsRaw == "" {
			sum.SamplesNoFactors++
		}
	}
	return sum, nil
}

func topCounts[T any](counts map[string]int64, mk func(string, int64) T) []T {
	type kv struct {
		k string
		n int64
	}
	all := make([]kv, 0, len(counts))
	for k, n := range counts {
		all = append(all, kv{k, n})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].n != all[j].n {
			return all[i].n > all[j].n
		}
		return all[i].k < all[j].k
	})
	if len(all) > qcTopLimit {
		all = all[:qcTopLimit]
	}
	out := make([]T, 0, len(all))
	for _, e := range all {
		out = append(out, mk(e.k, e.n))
	}
	return out
}

func (s *MemStore) CountExportRows(ctx context.Context, filter ExportFilter) (int64, error) {
	var n int64
	err := s.ExportRows(ctx, filter, func(ExportRow) error {
		n++
		return nil
	})
	return n, err
}

func (s *MemStore) ExportRows(_ context.Context, filter ExportFilter, fn func(ExportRow) error) error {
	s.mu.Lock()
	rows := make([]ExportRow, 0, len(s.measurements))
	for _, m := range s.measurements {
		r := ExportRow{
			SampleUID:  m.SampleUID,
			FeatureUID: m.FeatureUID,
			Value:      m.Value,
			Unit:       m.Unit,
			ColIndex:   m.ColIndex,
			CreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if m.ReplicateIx != nil {
			ri := *m.ReplicateIx
			r.ReplicateIx = &ri
		}
		var fileImport *uuid.UUID
		if m.FileID != nil {
			for _, f := range s.files {
				if f.ID == *m.FileID {
					r.FileID = f.ID.String()
					r.PathRel = f.PathRel
					r.DetectedType = f.DetectedType
					r.Device = f.Device
					r.Exposure = f.Exposure
					r.SampleType = f.SampleType
					r.Platform = f.Platform
					imp := f.ImportID
					fileImport = &imp
					break
				}
			}
		}
		if smp, ok := s.samples[m.SampleUID]; ok {
			r.SampleLabel = smp.SampleLabel
			for studyID, st := range s.studies {
				if st.ID == smp.StudyPK {
					r.StudyID = studyID
					break
				}
			}
		}
		if ft, ok := s.features[m.FeatureUID]; ok {
			r.FeatureType = ft.FeatureType
			r.FeatureName = ft.NameRaw
			r.RefmetName = ft.RefmetName
			r.AnalysisID = ft.AnalysisID
		}

		if filter.FileID != nil && r.FileID != filter.FileID.String() {
			continue
		}
		if filter.ImportID != nil && (fileImport == nil || *fileImport != *filter.ImportID) {
			continue
		}
		if filter.FeatureType != "" && r.FeatureType != filter.FeatureType {
			continue
		}
		if filter.StudyID != "" && r.StudyID != filter.StudyID {
			continue
		}
		rows = append(rows, r)
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].FileID != rows[j].FileID {
			return rows[i].FileID < rows[j].FileID
		}
		ci, cj := 0, 0
		if rows[i].ColIndex != nil {
			ci = *rows[i].ColIndex
		}
		if rows[j].ColIndex != nil {
			cj = *rows[j].ColIndex
		}
		if ci != cj {
			return ci < cj
		}
		return rows[i].FeatureUID < rows[j].FeatureUID
	})
	for _, r := range rows {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}
