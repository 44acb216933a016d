package mwtab

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// msSkipColumns are header tokens that never denote a sample column.
var msSkipColumns = map[string]struct{}{
	"samples": {}, "factors": {}, "metabolite_name": {}, "metabolite": {},
	"compound_name": {}, "compound": {}, "name": {}, "refmet_name": {},
	"refmet": {}, "pubchem_id": {}, "kegg_id": {}, "hmdb_id": {},
	"inchi_key": {}, "retention_time": {}, "retention_index": {},
	"m/z": {}, "mz": {}, "mass": {},
}

var msNameColumns = map[string]struct{}{
	"metabolite_name": {}, "metabolite": {}, "compound_name": {},
	"compound": {}, "name": {},
}

var msRefmetColumns = map[string]struct{}{
	"refmet_name": {}, "refmet": {},
}

// MSStream is a forward-only, one-pass iterator over the
// MS_METABOLITE_DATA section. It holds at most one data row's worth of
// measurements in memory at a time. Not restartable: construct a new
// stream from a fresh reader to re-read.
type MSStream struct {
	scanner   *bufio.Scanner
	meta      Metadata
	inData    bool
	columns   []SampleColumn
	nameCol   int
	refmetCol int
	pending   []Measurement
	warnings  []string
	done      bool
}

// NewMSStream wraps a reader positioned at the start of the file.
func NewMSStream(r io.Reader, meta Metadata) *MSStream {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &MSStream{scanner: scanner, meta: meta, refmetCol: -1}
}

// Columns returns the sample column descriptors, valid once the header row
// has been consumed (i.e. after the first Next call that returns a record).
func (s *MSStream) Columns() []SampleColumn { return s.columns }

// Warnings returns the row-level warnings accumulated so far.
func (s *MSStream) Warnings() []string { return s.warnings }

// Next returns the next measurement record. ok is false once the section
// end marker or EOF is reached; EOF without an end marker is tolerated.
func (s *MSStream) Next() (Measurement, bool, error) {
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
				return Measurement{}, false, fmt.Errorf("scan measurement data: %w", err)
			}
			continue
		}
		line := strings.TrimRight(s.scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, msStart) {
			s.inData = true
			continue
		}
		if strings.HasPrefix(line, msEnd) {
			s.done = true
			continue
		}
		if !s.inData {
			continue
		}

		parts := strings.Split(line, "\t")
		first := strings.ToLower(strings.TrimSpace(parts[0]))

		if s.columns == nil && first == "samples" {
			s.parseHeader(parts)
			continue
		}
		if s.columns != nil && first == "factors" {
			s.applyFactorsRow(parts)
			continue
		}
		if s.columns != nil {
			s.parseDataRow(parts)
		}
	}
}

// parseHeader classifies every header cell as a structural column or a
// sample column, deriving sample UIDs and replicate indices in
// left-to-right order.
func (s *MSStream) parseHeader(parts []string) {
	s.columns = []SampleColumn{}
	s.nameCol = 0
	uidCounts := make(map[string]int16)
	studyID := s.meta.StudyID
	if studyID == "" {
		studyID = "UNKNOWN"
	}
	for i, header := range parts {
		label := strings.TrimSpace(header)
		lower := strings.ToLower(label)
		if _, skip := msSkipColumns[lower]; skip {
			if _, ok := msNameColumns[lower]; ok {
				s.nameCol = i
			} else if _, ok := msRefmetColumns[lower]; ok {
				s.refmetCol = i
			}
			continue
		}
		uid := MSSampleUID(studyID, label)
		uidCounts[uid]++
		s.columns = append(s.columns, SampleColumn{
			ColIndex:    i,
			SampleUID:   uid,
			SampleLabel: label,
			ReplicateIx: uidCounts[uid],
		})
	}
}

// applyFactorsRow records the per-column factor override string supplied
// by the optional "Factors" row. The row itself is never emitted.
func (s *MSStream) applyFactorsRow(parts []string) {
	for i := range s.columns {
		col := &s.columns[i]
		if col.ColIndex >= len(parts) {
			continue
		}
		if v := strings.TrimSpace(parts[col.ColIndex]); v != "" && v != "-" {
			col.Factors = v
		}
	}
}

func (s *MSStream) parseDataRow(parts []string) {
	if len(parts) <= s.nameCol {
		return
	}
	name := strings.TrimSpace(parts[s.nameCol])
	if name == "" {
		return
	}

	var refmet string
	if s.refmetCol >= 0 && s.refmetCol < len(parts) {
		v := strings.TrimSpace(parts[s.refmetCol])
		if v != "" && v != "-" && !strings.EqualFold(v, "NA") && !strings.EqualFold(v, "N/A") {
			refmet = v
		}
	}
	analysisID := s.meta.AnalysisID
	if analysisID == "" {
		analysisID = "UNKNOWN"
	}
	featureUID := MSFeatureUID(analysisID, name, refmet)

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
			FeatureName: name,
			RefmetName:  refmet,
			Value:       value,
			ReplicateIx: col.ReplicateIx,
		})
	}
}

// ScanMSSampleColumns reads just far enough into the measurement section
// to parse the header row, returning the sample column descriptors. Used
// by the orchestrator to upsert samples before streaming facts.
func ScanMSSampleColumns(r io.Reader, meta Metadata) ([]SampleColumn, error) {
	s := NewMSStream(r, meta)
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
