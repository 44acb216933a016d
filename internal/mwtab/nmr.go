package mwtab

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// nmrSkipColumns are header tokens that never denote a sample column in
// NMR binned data.
var nmrSkipColumns = map[string]struct{}{
	"samples": {}, "factors": {}, "bin range(ppm)": {}, "bin_range": {},
	"bin": {}, "ppm_range": {}, "ppm": {}, "chemical_shift": {},
	"chemical shift": {}, "bucket": {}, "bucket_id": {},
}

// nmrHeaderIndicators mark a row as the header when the first cell
// contains any of them (substring match, unlike the exact-token MS rule).
var nmrHeaderIndicators = []string{
	"samples", "bin range", "bin_range", "ppm",
	"bucket", "chemical_shift", "chemical shift",
}

// NMRStream is the NMR_BINNED_DATA counterpart of MSStream: a forward-only
// one-pass iterator keeping at most one row of measurements buffered.
type NMRStream struct {
	scanner  *bufio.Scanner
	meta     Metadata
	inData   bool
	columns  []SampleColumn
	binCol   int
	pending  []Measurement
	warnings []string
	done     bool
}

// NewNMRStream wraps a reader positioned at the start of the file.
func NewNMRStream(r io.Reader, meta Metadata) *NMRStream {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &NMRStream{scanner: scanner, meta: meta}
}

// Columns returns the sample column descriptors once the header is parsed.
func (s *NMRStream) Columns() []SampleColumn { return s.columns }

// Warnings returns the row-level warnings accumulated so far.
func (s *NMRStream) Warnings() []string { return s.warnings }

// Next returns the next measurement record; ok is false at section end or
// EOF, either of which terminates the stream cleanly.
func (s *NMRStream) Next() (Measurement, bool, error) {
	for {
		if len(s.pending) > 0 {
			m := s.pending[0]
			s.pending = s.pending[1:]
			return m, true, nil
		}
		if s.done {
			return Measurement{}, false, nil
		}
		if !s.scanner.Scan() {
			s.done = true
			if err := s.scanner.Err(); err != nil {
				return Measurement{}, false, fmt.Errorf("scan binned data: %w", err)
			}
			continue
		}
		line := strings.TrimRight(s.scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, nmrStart) {
			s.inData = true
			continue
		}
		if strings.HasPrefix(line, nmrEnd) {
			s.done = true
			continue
		}
		if !s.inData {
			continue
		}

		parts := strings.Split(line, "\t")
		first := strings.ToLower(strings.TrimSpace(parts[0]))

		if s.columns == nil && isNMRHeaderRow(first) {
			s.parseHeader(parts)
			continue
		}
		// Per-column factor overrides are an MS concept; the row is
		// skipped here without being recorded.
		if s.columns != nil && first == "factors" {
			continue
		}
		if s.columns != nil {
			s.parseDataRow(parts)
		}
	}
}

func isNMRHeaderRow(firstCell string) bool {
	for _, ind := range nmrHeaderIndicators {
		if strings.Contains(firstCell, ind) {
			return true
		}
	}
	return false
}

func (s *NMRStream) parseHeader(parts []string) {
	s.columns = []SampleColumn{}
	s.binCol = 0
	uidCounts := make(map[string]int16)
	studyID := s.meta.StudyID
	if studyID == "" {
		studyID = "UNKNOWN"
	}
	analysisID := s.meta.AnalysisID
	if analysisID == "" {
		analysisID = "UNKNOWN"
	}
	for i, header := range parts {
		label := strings.TrimSpace(header)
		lower := strings.ToLower(label)
		if _, skip := nmrSkipColumns[lower]; skip {
			if i == 0 || strings.Contains(lower, "bin") || strings.Contains(lower, "ppm") {
				s.binCol = i
			}
			continue
		}
		uid := NMRSampleUID(studyID, analysisID, label)
		uidCounts[uid]++
		s.columns = append(s.columns, SampleColumn{
			ColIndex:    i,
			SampleUID:   uid,
			SampleLabel: label,
			ReplicateIx: uidCounts[uid],
		})
	}
}

func (s *NMRStream) parseDataRow(parts []string) {
	if len(parts) <= s.binCol {
		return
	}
	binRange := strings.TrimSpace(parts[s.binCol])
	if binRange == "" {
		return
	}
	analysisID := s.meta.AnalysisID
	if analysisID == "" {
		analysisID = "UNKNOWN"
	}
	featureUID := NMRFeatureUID(analysisID, binRange)

	for _, col := range s.columns {
		var raw string
		if col.ColIndex < len(parts) {
			raw = strings.TrimSpace(parts[col.ColIndex])
		}
		value, warn := ParseValue(raw)
		if warn != "" {
			s.warnings = append(s.warnings, warn)
		}
		s.pending = append(s.pending, Measurement{
			ColIndex:    col.ColIndex,
			SampleUID:   col.SampleUID,
			FeatureUID:  featureUID,
			FeatureName: binRange,
			Value:       value,
			ReplicateIx: col.ReplicateIx,
		})
	}
}

// ScanNMRSampleColumns parses just the header row of the binned data
// section, for sample discovery ahead of streaming.
func ScanNMRSampleColumns(r io.Reader, meta Metadata) ([]SampleColumn, error) {
	s := NewNMRStream(r, meta)
	for s.columns == nil {
		_, ok, err := s.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
	}
	return s.columns, nil
}
