package mwtab

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var (
	bannerStudyRe    = regexp.MustCompile(`STUDY_ID:(\S+)`)
	bannerAnalysisRe = regexp.MustCompile(`ANALYSIS_ID:(\S+)`)
)

// MetadataResult is the output of the first streaming pass.
type MetadataResult struct {
	Metadata Metadata
	// Samples maps raw sample label to its declared factor annotation.
	Samples  map[string]SampleFactorInfo
	Warnings []string
}

// ScanMetadata makes a single line-oriented pass over the file head,
// extracting study/analysis identifiers, the units declaration, and the
// SUBJECT_SAMPLE_FACTORS table. The scan stops as soon as the measurement
// section start marker for the given variant is seen; identifiers found
// first win and later occurrences are ignored.
//
// Malformed factor lines are collected as warnings, never errors. Only I/O
// failures from the reader are fatal.
func ScanMetadata(r io.Reader, variant Variant) (MetadataResult, error) {
	res := MetadataResult{Samples: make(map[string]SampleFactorInfo)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	inFactors := false
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, bannerPrefix):
			if res.Metadata.StudyID == "" {
				if m := bannerStudyRe.FindStringSubmatch(line); m != nil {
					res.Metadata.StudyID = m[1]
				}
			}
			if res.Metadata.AnalysisID == "" {
				if m := bannerAnalysisRe.FindStringSubmatch(line); m != nil {
					res.Metadata.AnalysisID = m[1]
				}
			}
			continue

		case strings.HasPrefix(line, studyIDPrefix):
			if res.Metadata.StudyID == "" {
				res.Metadata.StudyID = strings.TrimSpace(line[len(studyIDPrefix):])
			}
			continue

		case strings.HasPrefix(line, analysisIDPrefix):
			if res.Metadata.AnalysisID == "" {
				res.Metadata.AnalysisID = strings.TrimSpace(line[len(analysisIDPrefix):])
			}
			continue

		case strings.HasPrefix(line, variant.unitsPrefix()):
			res.Metadata.Units = parseUnits(line)
			continue

		case strings.HasPrefix(line, factorsHeader):
			inFactors = true
			continue
		}

		if strings.HasPrefix(line, variant.startMarker()) {
			break // measurement data begins; the second pass takes over
		}
		if strings.HasPrefix(line, "#") {
			inFactors = false
			continue
		}

		if inFactors && strings.HasPrefix(line, factorsRowPrefix) {
			parseFactorLine(line, &res)
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("scan metadata: %w", err)
	}
	return res, nil
}

// parseUnits extracts the last segment of a "<SECTION>:UNITS" line,
// preferring tab delimiting and falling back to colons.
func parseUnits(line string) string {
	if parts := strings.Split(line, "\t"); len(parts) > 1 {
		return strings.TrimSpace(parts[len(parts)-1])
	}
	if parts := strings.Split(line, ":"); len(parts) > 1 {
		return strings.TrimSpace(parts[len(parts)-1])
	}
	return ""
}

func parseFactorLine(line string, res *MetadataResult) {
	parts := strings.Split(line, "\t")
	if len(parts) < 4 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("subject sample factors line has too few fields: %s", truncate(line, 100)))
		return
	}
	subject := strings.TrimSpace(parts[1])
	sampleLabel := strings.TrimSpace(parts[2])
	factorsRaw := strings.TrimSpace(parts[3])
	if sampleLabel == "" {
		res.Warnings = append(res.Warnings, "empty sample label, skipping")
		return
	}
	res.Samples[sampleLabel] = SampleFactorInfo{
		Subject:     subject,
		SampleLabel: sampleLabel,
		FactorsRaw:  factorsRaw,
	}
}

// ParseFactors splits a raw factor annotation ("Constitution:Lean |
// Visit:1") into key/value pairs. The first colon in each pair is the
// split point, so values may contain colons. Pairs without a colon or with
// an empty key are skipped with a warning appended to warns.
func ParseFactors(factorsRaw string) (map[string]string, []string) {
	factors := make(map[string]string)
	var warns []string
	if factorsRaw == "" || factorsRaw == "-" {
		return factors, nil
	}
	for _, pair := range strings.Split(factorsRaw, "|") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, ":")
		if !found {
			warns = append(warns, "factor without colon, skipping: "+pair)
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			warns = append(warns, "empty factor key, skipping: "+pair)
			continue
		}
		factors[key] = strings.TrimSpace(value)
	}
	return factors, warns
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
