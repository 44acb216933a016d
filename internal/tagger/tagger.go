// Package tagger infers file category columns from paths alone. Unlike
// derive, which reads file content and sample factors, the tagger only
// looks at the relative path, filename and detected type, so it can run
// right after registration and before any parse.
package tagger

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"metaloader/internal/store"
)

// Canonical device values.
const (
	DeviceNMR  = "NMR"
	DeviceGCMS = "GCMS"
	DeviceLCMS = "LCMS"
)

// Detected types that pin the device without looking at the path.
var (
	nmrDetectedTypes = map[string]struct{}{
		"nmr_binned_xlsx":  {},
		"nmr_binned_xlsm":  {},
		"mwtab_nmr_binned": {},
	}
	msDetectedTypes = map[string]struct{}{
		"mwtab":             {},
		"mwtab_ms":          {},
		"metabo_table_html": {},
	}
)

var (
	gcPathRe  = regexp.MustCompile(`(?i)\bGC[-_\s]?MS\b|\bGCMS\b|\bGC[-_]TOF\b|\b_GC_|\bGC[-_\s]?EI\b|/GC/`)
	nmrPathRe = regexp.MustCompile(`(?i)\bNMR\b|\b1H[-_]?NMR\b|\b13C[-_]?NMR\b|/NMR/`)
	lcPathRe  = regexp.MustCompile(`(?i)\bLC[-_\s]?MS\b|\bLCMS\b|\bHPLC\b|\bUPLC\b|\bUHPLC\b`)
)

// Sample type patterns, most specific first.
var sampleTypePatterns = []struct {
	value string
	re    *regexp.Regexp
}{
	{"Serum", regexp.MustCompile(`(?i)\bserum\b|\bplasma\b|\bblood\b`)},
	{"Urine", regexp.MustCompile(`(?i)\burine\b|\burinary\b`)},
	{"Feces", regexp.MustCompile(`(?i)\bfeces\b|\bfaeces\b|\bstool\b|\bfecal\b|\bfaecal\b`)},
	{"CSF", regexp.MustCompile(`(?i)\bcsf\b|\bcerebrospinal\b`)},
}

var (
	obPathRe  = regexp.MustCompile(`(?i)\bOB\b|\bobese\b|\bobesity\b|\boverweight\b|\bcase\b|\bhigh[-_\s]?BMI\b|\bBMI[-_]?[>3]\d`)
	conPathRe = regexp.MustCompile(`(?i)\bCON\b|\bcontrol\b|\blean\b|\bnormal\b|\bhealthy\b|\breference\b|\blow[-_\s]?BMI\b`)
)

// Platform patterns in precedence order: ionization mode, then
// chromatography, then mass analyzer, then LC method.
var platformPatterns = []struct {
	re   *regexp.Regexp
	name string
}{
	{regexp.MustCompile(`(?i)\bESI[-_\s]?pos(?:itive)?\b`), "ESI_pos"},
	{regexp.MustCompile(`(?i)\bESI[-_\s]?neg(?:ative)?\b`), "ESI_neg"},
	{regexp.MustCompile(`(?i)\bpositive[-_\s]?mode\b`), "ESI_pos"},
	{regexp.MustCompile(`(?i)\bnegative[-_\s]?mode\b`), "ESI_neg"},
	{regexp.MustCompile(`(?i)\b\+ESI\b`), "ESI_pos"},
	{regexp.MustCompile(`(?i)\b-ESI\b`), "ESI_neg"},
	{regexp.MustCompile(`(?i)\bAPCI[-_\s]?pos\b`), "APCI_pos"},
	{regexp.MustCompile(`(?i)\bAPCI[-_\s]?neg\b`), "APCI_neg"},
	{regexp.MustCompile(`(?i)\bHILIC\b`), "HILIC"},
	{regexp.MustCompile(`(?i)\bRP\b`), "RP"},
	{regexp.MustCompile(`(?i)\bC18\b`), "C18"},
	{regexp.MustCompile(`(?i)\bC8\b`), "C8"},
	{regexp.MustCompile(`(?i)\bQQQ\b`), "QQQ"},
	{regexp.MustCompile(`(?i)\btriple[-_\s]?quad\b`), "QQQ"},
	{regexp.MustCompile(`(?i)\bQTOF\b`), "QTOF"},
	{regexp.MustCompile(`(?i)\bQ[-_]?TOF\b`), "QTOF"},
	{regexp.MustCompile(`(?i)\bOrbitrap\b`), "Orbitrap"},
	{regexp.MustCompile(`(?i)\bTripleTOF\b`), "TripleTOF"},
	{regexp.MustCompile(`(?i)\bTOF\b`), "TOF"},
	{regexp.MustCompile(`(?i)\bUPLC\b`), "UPLC"},
	{regexp.MustCompile(`(?i)\bUHPLC\b`), "UHPLC"},
	{regexp.MustCompile(`(?i)\bHPLC\b`), "HPLC"},
}

// maxPlatformParts caps the joined platform string length.
const maxPlatformParts = 3

// Tags holds every inferred category for one file.
type Tags struct {
	Device     string
	SampleType string
	Exposure   string
	Platform   string
	Warnings   []string
}

// InferDevice maps path and detected type to a device value. The
// detected type wins when it identifies the instrument family; path
// patterns break the GC/LC tie for MS files and serve as fallback.
func InferDevice(pathRel, filename, detectedType string) string {
	combined := pathRel + " " + filename
	if _, ok := nmrDetectedTypes[detectedType]; ok {
		return DeviceNMR
	}
	if _, ok := msDetectedTypes[detectedType]; ok {
		if gcPathRe.MatchString(combined) {
			return DeviceGCMS
		}
		return DeviceLCMS
	}
	if nmrPathRe.MatchString(combined) {
		return DeviceNMR
	}
	if gcPathRe.MatchString(combined) {
		return DeviceGCMS
	}
	if lcPathRe.MatchString(combined) {
		return DeviceLCMS
	}
	return ""
}

// InferSampleType maps path tokens to a biofluid or tissue class.
func InferSampleType(pathRel, filename string) string {
	combined := pathRel + " " + filename
	for _, p := range sampleTypePatterns {
		if p.re.MatchString(combined) {
			return p.value
		}
	}
	return ""
}

// InferExposure maps path tokens to OB or CON. Both present is a
// conflict: the value stays empty and warn explains why.
func InferExposure(pathRel, filename string) (value, warn string) {
	combined := pathRel + " " + filename
	hasOB := obPathRe.MatchString(combined)
	hasCON := conPathRe.MatchString(combined)
	switch {
	case hasOB && hasCON:
		return "", "conflicting exposure patterns in path: found both OB and CON indicators"
	case hasOB:
		return "OB", ""
	case hasCON:
		return "CON", ""
	}
	return "", ""
}

// InferPlatform extracts ionization, chromatography and analyzer hints
// from the path, joined with underscores.
func InferPlatform(pathRel, filename string) string {
	combined := pathRel + " " + filename
	var found []string
	for _, p := range platformPatterns {
		if !p.re.MatchString(combined) {
			continue
		}
		dup := false
		for _, f := range found {
			if f == p.name {
				dup = true
				break
			}
		}
		if !dup {
			found = append(found, p.name)
		}
	}
	if len(found) == 0 {
		return ""
	}
	if len(found) > maxPlatformParts {
		found = found[:maxPlatformParts]
	}
	return strings.Join(found, "_")
}

// InferAll runs every inference for one file.
func InferAll(pathRel, filename, detectedType string) Tags {
	tags := Tags{
		Device:     InferDevice(pathRel, filename, detectedType),
		SampleType: InferSampleType(pathRel, filename),
		Platform:   InferPlatform(pathRel, filename),
	}
	exposure, warn := InferExposure(pathRel, filename)
	tags.Exposure = exposure
	if warn != "" {
		tags.Warnings = append(tags.Warnings, warn)
	}
	return tags
}

// Stats counts the outcome of one tagging run.
type Stats struct {
	FilesProcessed int
	FilesUpdated   int
	FilesSkipped   int
	DeviceSet      int
	ExposureSet    int
	SampleTypeSet  int
	PlatformSet    int
	Warnings       []string
}

// Options selects the files to tag. Exactly one of FileID, ImportID or
// All must be set.
type Options struct {
	FileID    *uuid.UUID
	ImportID  *uuid.UUID
	All       bool
	Overwrite bool
	DryRun    bool
}

// Service applies inferred tags to registered files.
type Service struct {
	Store store.Store
}

// TagFiles tags the selected files. Existing values are kept unless
// Overwrite is set; a file with all four categories already present is
// skipped entirely.
func (s *Service) TagFiles(ctx context.Context, opts Options) (Stats, error) {
	var stats Stats
	if opts.FileID == nil && opts.ImportID == nil && !opts.All {
		return stats, fmt.Errorf("one of file ID, import ID or all required")
	}
	filter := store.FileFilter{ID: opts.FileID, ImportID: opts.ImportID}
	files, err := s.Store.ListFiles(ctx, filter)
	if err != nil {
		return stats, fmt.Errorf("list files: %w", err)
	}
	stats.FilesProcessed = len(files)
	for _, f := range files {
		updated, err := s.tagFile(ctx, f, opts, &stats)
		if err != nil {
			return stats, err
		}
		if updated {
			stats.FilesUpdated++
		} else {
			stats.FilesSkipped++
		}
	}
	return stats, nil
}

func (s *Service) tagFile(ctx context.Context, f store.File, opts Options, stats *Stats) (bool, error) {
	if !opts.Overwrite && f.Device != "" && f.Exposure != "" && f.SampleType != "" && f.Platform != "" {
		return false, nil
	}
	tags := InferAll(f.PathRel, f.Filename, f.DetectedType)
	for _, w := range tags.Warnings {
		stats.Warnings = append(stats.Warnings, fmt.Sprintf("%s: %s", f.Filename, w))
	}

	updated := false
	device := f.Device
	if tags.Device != "" && (opts.Overwrite || f.Device == "") {
		device = tags.Device
		stats.DeviceSet++
		updated = true
	}
	exposure := f.Exposure
	if tags.Exposure != "" && (opts.Overwrite || f.Exposure == "") {
		exposure = tags.Exposure
		stats.ExposureSet++
		updated = true
	}
	sampleType := f.SampleType
	if tags.SampleType != "" && (opts.Overwrite || f.SampleType == "") {
		sampleType = tags.SampleType
		stats.SampleTypeSet++
		updated = true
	}
	platform := f.Platform
	if tags.Platform != "" && (opts.Overwrite || f.Platform == "") {
		platform = tags.Platform
		stats.PlatformSet++
		updated = true
	}

	if !updated || opts.DryRun {
		return updated, nil
	}
	if device != f.Device {
		if err := s.Store.SetFileDevice(ctx, f.ID, device); err != nil {
			return false, fmt.Errorf("set device for %s: %w", f.Filename, err)
		}
	}
	if exposure != f.Exposure || sampleType != f.SampleType || platform != f.Platform {
		if err := s.Store.SetFileCategories(ctx, f.ID, exposure, sampleType, platform); err != nil {
			return false, fmt.Errorf("set categories for %s: %w", f.Filename, err)
		}
	}
	return true, nil
}
