package mwtab

import (
	"strings"
	"testing"
)

const msFileHead = `#METABOLOMICS WORKBENCH nobody_20200101 DATATRACK_ID:1234 STUDY_ID:ST001234 ANALYSIS_ID:AN002001 PROJECT_ID:PR000100
VERSION	1
CREATED_ON	2020-01-01
#PROJECT
PR:PROJECT_TITLE	Example project
#STUDY
ST:STUDY_TITLE	Example study
#SUBJECT_SAMPLE_FACTORS:         	SUBJECT(optional)[tab]SAMPLE[tab]FACTORS(NAME:VALUE pairs separated by |)[tab]Additional sample data
SUBJECT_SAMPLE_FACTORS           	SU-1	Sample A	Constitution:Lean | Visit:1
SUBJECT_SAMPLE_FACTORS           	SU-2	Sample B	Constitution:Obese | Visit:1
SUBJECT_SAMPLE_FACTORS           	SU-3	Sample A	Constitution:Lean | Visit:2
#MS_METABOLITE_DATA
MS_METABOLITE_DATA:UNITS	peak area
MS_METABOLITE_DATA_START
`

func TestScanMetadata(t *testing.T) {
	res, err := ScanMetadata(strings.NewReader(msFileHead), VariantMS)
	if err != nil {
		t.Fatalf("ScanMetadata: %v", err)
	}
	if res.Metadata.StudyID != "ST001234" {
		t.Fatalf("StudyID = %q", res.Metadata.StudyID)
	}
	if res.Metadata.AnalysisID != "AN002001" {
		t.Fatalf("AnalysisID = %q", res.Metadata.AnalysisID)
	}
	if res.Metadata.Units != "peak area" {
		t.Fatalf("Units = %q", res.Metadata.Units)
	}
	// Duplicate label: last declaration wins in the map.
	if len(res.Samples) != 2 {
		t.Fatalf("Samples = %d, want 2", len(res.Samples))
	}
	a := res.Samples["Sample A"]
	if a.Subject != "SU-3" || a.FactorsRaw != "Constitution:Lean | Visit:2" {
		t.Fatalf("Sample A = %+v", a)
	}
}

func TestScanMetadataStandaloneIDsFirstWins(t *testing.T) {
	in := `STUDY_ID:ST000001
ANALYSIS_ID:AN000001
STUDY_ID:ST999999
ANALYSIS_ID:AN999999
`
	res, err := ScanMetadata(strings.NewReader(in), VariantMS)
	if err != nil {
		t.Fatalf("ScanMetadata: %v", err)
	}
	if res.Metadata.StudyID != "ST000001" || res.Metadata.AnalysisID != "AN000001" {
		t.Fatalf("metadata = %+v", res.Metadata)
	}
}

func TestScanMetadataColonDelimitedUnits(t *testing.T) {
	in := "NMR_BINNED_DATA:UNITS:intensity\n"
	res, err := ScanMetadata(strings.NewReader(in), VariantNMR)
	if err != nil {
		t.Fatalf("ScanMetadata: %v", err)
	}
	if res.Metadata.Units != "intensity" {
		t.Fatalf("Units = %q", res.Metadata.Units)
	}
}

func TestScanMetadataStopsAtDataStart(t *testing.T) {
	in := msFileHead + "Samples\tS1\nAlanine\t1.0\nMS_METABOLITE_DATA_END\nSTUDY_ID:ST_LATE\n"
	res, err := ScanMetadata(strings.NewReader(in), VariantMS)
	if err != nil {
		t.Fatalf("ScanMetadata: %v", err)
	}
	if res.Metadata.StudyID != "ST001234" {
		t.Fatalf("StudyID = %q, scan ran past the data start marker", res.Metadata.StudyID)
	}
}

func TestScanMetadataMalformedFactorLines(t *testing.T) {
	in := `#SUBJECT_SAMPLE_FACTORS:	header
SUBJECT_SAMPLE_FACTORS           	SU-1	Sample A
SUBJECT_SAMPLE_FACTORS           	SU-2		Constitution:Lean
`
	res, err := ScanMetadata(strings.NewReader(in), VariantMS)
	if err != nil {
		t.Fatalf("ScanMetadata: %v", err)
	}
	if len(res.Samples) != 0 {
		t.Fatalf("Samples = %v, want none", res.Samples)
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("Warnings = %v, want 2", res.Warnings)
	}
}

func TestParseFactors(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		want  map[string]string
		warns int
	}{
		{
			name: "two pairs",
			raw:  "Constitution:Lean | Visit:1",
			want: map[string]string{"Constitution": "Lean", "Visit": "1"},
		},
		{
			name: "value with colon",
			raw:  "Time:12:30",
			want: map[string]string{"Time": "12:30"},
		},
		{name: "dash", raw: "-", want: map[string]string{}},
		{name: "empty", raw: "", want: map[string]string{}},
		{
			name:  "pair without colon",
			raw:   "Lean | Visit:1",
			want:  map[string]string{"Visit": "1"},
			warns: 1,
		},
		{
			name:  "empty key",
			raw:   ":Lean",
			want:  map[string]string{},
			warns: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, warns := ParseFactors(tc.raw)
			if len(warns) != tc.warns {
				t.Fatalf("warnings = %v, want %d", warns, tc.warns)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("factors = %v, want %v", got, tc.want)
			}
			for k, v := range tc.want {
				if got[k] != v {
					t.Fatalf("factors[%q] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}
