// Package mwtab parses mwTab exchange files from the Metabolomics
// Workbench: banner metadata, the SUBJECT_SAMPLE_FACTORS section, and the
// wide measurement matrices (MS_METABOLITE_DATA and NMR_BINNED_DATA).
//
// Parsing is strictly line-oriented and two-pass: ScanMetadata reads the
// file head once for identifiers and factor annotations, and the stream
// parsers (MSStream, NMRStream) make a second forward-only pass over the
// measurement section, yielding one record per (column, data row) pair so
// matrices with tens of thousands of columns never live in memory whole.
package mwtab

// Variant selects which measurement section a file carries.
type Variant string

const (
	// VariantMS is the MS_METABOLITE_DATA wide matrix.
	VariantMS Variant = "ms"
	// VariantNMR is the NMR_BINNED_DATA wide matrix.
	VariantNMR Variant = "nmr"
)

// Section markers in the mwTab line grammar.
const (
	bannerPrefix     = "#METABOLOMICS WORKBENCH"
	studyIDPrefix    = "STUDY_ID:"
	analysisIDPrefix = "ANALYSIS_ID:"
	factorsHeader    = "#SUBJECT_SAMPLE_FACTORS"
	factorsRowPrefix = "SUBJECT_SAMPLE_FACTORS"

	msUnitsPrefix = "MS_METABOLITE_DATA:UNITS"
	msStart       = "MS_METABOLITE_DATA_START"
	msEnd         = "MS_METABOLITE_DATA_END"

	nmrUnitsPrefix = "NMR_BINNED_DATA:UNITS"
	nmrStart       = "NMR_BINNED_DATA_START"
	nmrEnd         = "NMR_BINNED_DATA_END"
)

// Metadata holds the file-level identifiers extracted by the first pass.
// Fields are empty when the file never declares them.
type Metadata struct {
	StudyID    string
	AnalysisID string
	Units      string
}

// SampleFactorInfo is one declared row of the SUBJECT_SAMPLE_FACTORS
// section, keyed by the raw sample label as written.
type SampleFactorInfo struct {
	Subject     string
	SampleLabel string
	FactorsRaw  string
}

// Measurement is a single cell of the measurement matrix paired with its
// derived identifiers. Value is nil for empty or sentinel cells; such
// records are still emitted, the store decides what to do with them.
type Measurement struct {
	ColIndex    int
	SampleUID   string
	FeatureUID  string
	FeatureName string  // metabolite name (MS) or bin range string (NMR)
	RefmetName  string  // MS only, empty otherwise
	Value       *float64
	ReplicateIx int16
}

// SampleColumn describes one sample-bearing column of the header row.
type SampleColumn struct {
	ColIndex    int
	SampleUID   string
	SampleLabel string
	Factors     string // per-column override from the optional factors row
	ReplicateIx int16
}

func (v Variant) startMarker() string {
	if v == VariantNMR {
		return nmrStart
	}
	return msStart
}

func (v Variant) endMarker() string {
	if v == VariantNMR {
		return nmrEnd
	}
	return msEnd
}

func (v Variant) unitsPrefix() string {
	if v == VariantNMR {
		return nmrUnitsPrefix
	}
	return msUnitsPrefix
}
