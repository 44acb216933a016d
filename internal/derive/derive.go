// Package derive backfills the category columns that the raw files never
// state outright: instrument device per file, exposure group and sample
// matrix per sample. Derivation is conservative, values already set are
// never overwritten and ambiguous evidence sets nothing.
package derive

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"metaloader/internal/mwtab"
	"metaloader/internal/store"
)

// maxScanBytes bounds the content sniff for device hints.
const maxScanBytes = 32 * 1024

// Derived device values.
const (
	DeviceNMR  = "NMR"
	DeviceGCMS = "GCMS"
	DeviceLCMS = "LCMS"
	DeviceMS   = "MS"
)

// Derived exposure values.
const (
	ExposureOB  = "OB"
	ExposureCON = "CON"
)

var (
	nmrRe  = regexp.MustCompile(`(?i)\bNMR\b|\bnuclear\s+magnetic\s+resonance\b|\b1H[-_\s]?NMR\b|\b13C[-_\s]?NMR\b`)
	gcmsRe = regexp.MustCompile(`(?i)\bGC[-_\s]?MS\b|\bGCMS\b|\bgas\s+chromatograph|\bGC\s+mass\s+spectrom`)
	lcmsRe = regexp.MustCompile(`(?i)\bLC[-_\s]?MS\b|\bLCMS\b|\bliquid\s+chromatograph|\bHPLC[-_\s]?MS\b|\bUHPLC\b|\bUPLC\b`)
)

// exposureKeys are the factor keys that may carry a case/control
// classification, matched as substrings of the key with separators
// removed.
var exposureKeys = []string{
	"group", "cohort", "exposure", "casecontrol", "case_control",
	"obesity", "status", "condition", "treatment", "phenotype",
	"constitution", "bmi", "category", "class", "diagnosis",
}

var (
	obPatterns  = []string{"ob", "obese", "obesity", "case", "overweight", "bmi>"}
	conPatterns = []string{"con", "control", "lean", "normal", "healthy", "reference"}
)

// exposureExclusions are value words that describe study design rather
// than an obesity classification; such values are ignored unless an
// explicit obesity word appears alongside.
var exposureExclusions = []string{
	"exercise", "acute", "pool", "pooled", "qc", "blank", "standard",
	"baseline", "treatment", "intervention",
}

var obesityWords = []string{"obese", "obesity", "lean"}

// exposureStudyNames are whole values known to be study titles, not
// per-sample classifications.
var exposureStudyNames = map[string]struct{}{
	"obesity and hdl function": {},
}

var matrixKeys = []string{
	"matrix", "sample_type", "sampletype", "biofluid", "specimen",
	"biospecimen", "sample", "tissue", "material", "samplesource",
	"sample_source", "source", "bodyfluid", "body_fluid",
}

// matrixMappings maps the canonical matrix name to the value substrings
// that imply it.
var matrixMappings = map[string][]string{
	"Serum":  {"serum", "blood serum", "plasma", "blood"},
	"Urine":  {"urine", "urinary"},
	"Feces":  {"feces", "faeces", "stool", "fecal", "faecal"},
	"CSF":    {"csf", "cerebrospinal", "spinal fluid"},
	"Tissue": {"tissue", "mammary", "liver", "muscle", "adipose"},
}

// Stats summarizes one derivation run.
type Stats struct {
	FilesProcessed        int
	FilesDeviceSet        int
	FilesDeviceAlreadySet int
	FilesDeviceUnknown    int

	SamplesProcessed          int
	SamplesExposureSet        int
	SamplesExposureAlreadySet int
	SamplesExposureUnknown    int
	SamplesExposureConflict   int

	SamplesMatrixSet        int
	SamplesMatrixAlreadySet int
	SamplesMatrixUnknown    int
	SamplesMatrixConflict   int

	Warnings []string
}

// Options narrows a derivation run. StudyID filters samples by UID
// prefix, FileID restricts the device pass to one file.
type Options struct {
	StudyID string
	FileID  *uuid.UUID
	DryRun  bool
	Limit   int
}

// Service runs category derivation over the store.
type Service struct {
	Store store.Store
}

// DeriveAll runs the device, exposure and matrix passes in order.
func (s *Service) DeriveAll(ctx context.Context, opts Options) (Stats, error) {
	stats := Stats{}
	if err := s.deriveDevice(ctx, opts, &stats); err != nil {
		return stats, err
	}
	if err := s.deriveExposure(ctx, opts, &stats); err != nil {
		return stats, err
	}
	if err := s.deriveMatrix(ctx, opts, &stats); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *Service) deriveDevice(ctx context.Context, opts Options, stats *Stats) error {
	files, err := s.Store.ListFiles(ctx, store.FileFilter{ID: opts.FileID, Limit: opts.Limit})
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	for _, f := range files {
		stats.FilesProcessed++
		if f.Device != "" {
			stats.FilesDeviceAlreadySet++
			continue
		}
		device := detectDevice(f)
		if device == "" {
			stats.FilesDeviceUnknown++
			continue
		}
		stats.FilesDeviceSet++
		if opts.DryRun {
			continue
		}
		if err := s.Store.SetFileDevice(ctx, f.ID, device); err != nil {
			return fmt.Errorf("set device for file %s: %w", f.ID, err)
		}
		if err := s.updateAnalysesDevice(ctx, f.ID, device); err != nil {
			return err
		}
	}
	return nil
}

// updateAnalysesDevice propagates a file's device to its linked analyses
// where they have none.
func (s *Service) updateAnalysesDevice(ctx context.Context, fileID uuid.UUID, device string) error {
	analyses, err := s.Store.ListAnalysesByFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("list analyses for file %s: %w", fileID, err)
	}
	for _, a := range analyses {
		if a.Device != "" {
			continue
		}
		if err := s.Store.SetAnalysisDevice(ctx, a.ID, device); err != nil {
			return fmt.Errorf("set device for analysis %s: %w", a.AnalysisID, err)
		}
	}
	return nil
}

// detectDevice applies the hint precedence: recorded type, path text,
// content scan for mwtab files, then path chromatography hints, finally
// a generic MS from the recorded type.
func detectDevice(f store.File) string {
	detectedType := strings.ToLower(f.DetectedType)
	if strings.Contains(detectedType, "nmr") {
		return DeviceNMR
	}
	pathText := f.PathAbs + " " + f.Filename
	if nmrRe.MatchString(pathText) {
		return DeviceNMR
	}
	if f.DetectedType == string(mwtab.FileTypeMWTab) {
		if device := scanForDevice(f.PathAbs); device != "" {
			return device
		}
	}
	if gcmsRe.MatchString(pathText) {
		return DeviceGCMS
	}
	if lcmsRe.MatchString(pathText) {
		return DeviceLCMS
	}
	if strings.Contains(detectedType, "ms") || strings.Contains(detectedType, "metabolite") {
		return DeviceMS
	}
	return ""
}

// scanForDevice sniffs the head of the file for instrument hints.
// Unreadable files yield no hint rather than an error.
func scanForDevice(path string) string {
	if path == "" {
		return ""
	}
	fh, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer fh.Close()

	head := make([]byte, maxScanBytes)
	n, err := io.ReadFull(fh, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return ""
	}
	content := strings.ToLower(string(head[:n]))

	switch {
	case nmrRe.MatchString(content):
		return DeviceNMR
	case gcmsRe.MatchString(content):
		return DeviceGCMS
	case lcmsRe.MatchString(content):
		return DeviceLCMS
	case strings.Contains(content, "ms_metabolite_data"):
		return DeviceMS
	}
	return ""
}

func (s *Service) deriveExposure(ctx context.Context, opts Options, stats *Stats) error {
	samples, err := s.listSamples(ctx, opts)
	if err != nil {
		return err
	}
	for _, smp := range samples {
		stats.SamplesProcessed++
		if smp.Exposure != "" {
			stats.SamplesExposureAlreadySet++
			continue
		}
		factors, err := s.sampleFactors(ctx, smp)
		if err != nil {
			return err
		}
		exposure, conflict := ExposureValue(factors)
		if conflict {
			stats.SamplesExposureConflict++
			stats.Warnings = append(stats.Warnings, fmt.Sprintf("exposure conflict for sample %s", smp.SampleUID))
		}
		if exposure == "" {
			stats.SamplesExposureUnknown++
			continue
		}
		stats.SamplesExposureSet++
		if opts.DryRun {
			continue
		}
		if err := s.Store.SetSampleExposure(ctx, smp.ID, exposure); err != nil {
			return fmt.Errorf("set exposure for sample %s: %w", smp.SampleUID, err)
		}
	}
	return nil
}

func (s *Service) deriveMatrix(ctx context.Context, opts Options, stats *Stats) error {
	samples, err := s.listSamples(ctx, opts)
	if err != nil {
		return err
	}
	for _, smp := range samples {
		if smp.SampleMatrix != "" {
			stats.SamplesMatrixAlreadySet++
			continue
		}
		factors, err := s.sampleFactors(ctx, smp)
		if err != nil {
			return err
		}
		matrix, conflict := MatrixValue(factors)
		if conflict {
			stats.SamplesMatrixConflict++
			stats.Warnings = append(stats.Warnings, fmt.Sprintf("matrix conflict for sample %s", smp.SampleUID))
		}
		if matrix == "" && !conflict {
			paths, err := s.Store.SampleFilePaths(ctx, smp.SampleUID)
			if err != nil {
				return fmt.Errorf("file paths for sample %s: %w", smp.SampleUID, err)
			}
			matrix = matrixFromPaths(paths)
		}
		if matrix == "" {
			stats.SamplesMatrixUnknown++
			continue
		}
		stats.SamplesMatrixSet++
		if opts.DryRun {
			continue
		}
		if err := s.Store.SetSampleMatrix(ctx, smp.ID, matrix); err != nil {
			return fmt.Errorf("set matrix for sample %s: %w", smp.SampleUID, err)
		}
	}
	return nil
}

func (s *Service) listSamples(ctx context.Context, opts Options) ([]store.Sample, error) {
	filter := store.SampleFilter{Limit: opts.Limit}
	if opts.StudyID != "" {
		filter.UIDPrefix = opts.StudyID + ":"
	}
	samples, err := s.Store.ListSamples(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	return samples, nil
}

// sampleFactors merges the sample's factor rows with its raw factor
// string, keys lowercased, the raw string winning on clashes.
func (s *Service) sampleFactors(ctx context.Context, smp store.Sample) (map[string]string, error) {
	factors := map[string]string{}
	rows, err := s.Store.SampleFactors(ctx, smp.SampleUID)
	if err != nil {
		return nil, fmt.Errorf("factors for sample %s: %w", smp.SampleUID, err)
	}
	for _, row := range rows {
		factors[strings.ToLower(row.FactorKey)] = row.FactorValue
	}
	if smp.FactorsRaw != "" {
		parsed, _ := mwtab.ParseFactors(smp.FactorsRaw)
		for k, v := range parsed {
			factors[strings.ToLower(k)] = v
		}
	}
	return factors, nil
}

// ExposureValue scores the factor values attached to exposure-bearing
// keys and returns OB or CON. Exact pattern matches outweigh substring
// hits; evidence on both sides is a conflict resolved toward the higher
// score, a tie sets nothing.
func ExposureValue(factors map[string]string) (string, bool) {
	obScore, conScore := 0, 0
	for key, value := range factors {
		if !keyMatches(key, exposureKeys) {
			continue
		}
		valueLower := strings.ToLower(value)
		if _, studyName := exposureStudyNames[valueLower]; studyName {
			continue
		}
		if containsAny(valueLower, exposureExclusions) && !containsAny(valueLower, obesityWords) {
			continue
		}
		obScore += scorePatterns(valueLower, obPatterns)
		conScore += scorePatterns(valueLower, conPatterns)
	}

	switch {
	case obScore > 0 && conScore > 0:
		if obScore > conScore {
			return ExposureOB, true
		}
		if conScore > obScore {
			return ExposureCON, true
		}
		return "", true
	case obScore > 0:
		return ExposureOB, false
	case conScore > 0:
		return ExposureCON, false
	}
	return "", false
}

// MatrixValue maps the factor values attached to matrix-bearing keys to
// a canonical matrix name. More than one distinct match is a conflict.
func MatrixValue(factors map[string]string) (string, bool) {
	found := map[string]struct{}{}
	for key, value := range factors {
		if !keyMatches(key, matrixKeys) {
			continue
		}
		valueLower := strings.ToLower(value)
		for name, patterns := range matrixMappings {
			if containsAny(valueLower, patterns) {
				found[name] = struct{}{}
			}
		}
	}
	return singleMatch(found)
}

// matrixFromPaths falls back to the sample's file paths, matching matrix
// words as directory components. Ambiguity sets nothing.
func matrixFromPaths(paths []string) string {
	found := map[string]struct{}{}
	for _, path := range paths {
		if path == "" {
			continue
		}
		pathLower := strings.ToLower(path)
		for name, patterns := range matrixMappings {
			for _, pattern := range patterns {
				if strings.Contains(pathLower, "/"+pattern+"/") || strings.Contains(pathLower, "/"+pattern) {
					found[name] = struct{}{}
					break
				}
			}
		}
	}
	matrix, conflict := singleMatch(found)
	if conflict {
		return ""
	}
	return matrix
}

func singleMatch(found map[string]struct{}) (string, bool) {
	if len(found) > 1 {
		return "", true
	}
	for name := range found {
		return name, false
	}
	return "", false
}

// keyMatches strips separators from the factor key and looks for any of
// the trigger keys as a substring.
func keyMatches(key string, triggers []string) bool {
	normalized := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(key))
	for _, t := range triggers {
		if strings.Contains(normalized, t) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// scorePatterns scores the first matching pattern: 10 for an exact value
// match, 5 for a substring hit.
func scorePatterns(value string, patterns []string) int {
	for _, p := range patterns {
		if strings.Contains(value, p) {
			if value == p {
				return 10
			}
			return 5
		}
	}
	return 0
}
