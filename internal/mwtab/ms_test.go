package mwtab

import (
	"strings"
	"testing"
)

func collectMS(t *testing.T, in string, meta Metadata) (*MSStream, []Measurement) {
	t.Helper()
	s := NewMSStream(strings.NewReader(in), meta)
	var out []Measurement
	for {
		m, ok, err := s.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		out = append(out, m)
	}
	return s, out
}

func TestMSStreamBasic(t *testing.T) {
	in := `MS_METABOLITE_DATA_START
Samples	S1	S2
Factors	Group:A	Group:B
Alanine	1.5	NA
Glycine	bogus	2.25
MS_METABOLITE_DATA_END
`
	meta := Metadata{StudyID: "ST001", AnalysisID: "AN001"}
	s, got := collectMS(t, in, meta)

	cols := s.Columns()
	if len(cols) != 2 {
		t.Fatalf("columns = %d, want 2", len(cols))
	}
	if cols[0].SampleUID != "ST001:S1" || cols[1].SampleUID != "ST001:S2" {
		t.Fatalf("sample UIDs = %q, %q", cols[0].SampleUID, cols[1].SampleUID)
	}
	if cols[0].Factors != "Group:A" || cols[1].Factors != "Group:B" {
		t.Fatalf("factors row not applied: %+v", cols)
	}

	if len(got) != 4 {
		t.Fatalf("measurements = %d, want 4", len(got))
	}
	first := got[0]
	if first.FeatureUID != "AN001:met:alanine" || first.FeatureName != "Alanine" {
		t.Fatalf("first = %+v", first)
	}
	if first.Value == nil || *first.Value != 1.5 {
		t.Fatalf("first value = %v", first.Value)
	}
	if got[1].Value != nil {
		t.Fatalf("NA cell produced value %v", *got[1].Value)
	}
	if got[2].Value != nil {
		t.Fatalf("unparseable cell produced value %v", *got[2].Value)
	}
	if got[3].Value == nil || *got[3].Value != 2.25 {
		t.Fatalf("last value = %v", got[3].Value)
	}
	if len(s.Warnings()) != 1 || !strings.Contains(s.Warnings()[0], "bogus") {
		t.Fatalf("warnings = %v", s.Warnings())
	}
}

func TestMSStreamReplicateIndices(t *testing.T) {
	in := `MS_METABOLITE_DATA_START
Samples	QC	S1	QC	QC
Alanine	1	2	3	4
MS_METABOLITE_DATA_END
`
	s, got := collectMS(t, in, Metadata{StudyID: "ST001", AnalysisID: "AN001"})

	cols := s.Columns()
	wantIx := []int16{1, 1, 2, 3}
	for i, col := range cols {
		if col.ReplicateIx != wantIx[i] {
			t.Fatalf("col %d replicate = %d, want %d", i, col.ReplicateIx, wantIx[i])
		}
	}
	// Replicate indices carry through to the emitted facts.
	if got[0].ReplicateIx != 1 || got[2].ReplicateIx != 2 || got[3].ReplicateIx != 3 {
		t.Fatalf("measurement replicates = %+v", got)
	}
}

func TestMSStreamStructuralColumns(t *testing.T) {
	in := `MS_METABOLITE_DATA_START
Samples	retention_time	m/z	S1	RefMet_name
Alanine	5.2	89.1	7.5	L-Alanine
MS_METABOLITE_DATA_END
`
	s, got := collectMS(t, in, Metadata{StudyID: "ST001", AnalysisID: "AN001"})

	if len(s.Columns()) != 1 {
		t.Fatalf("columns = %+v, want only S1", s.Columns())
	}
	if len(got) != 1 {
		t.Fatalf("measurements = %d, want 1", len(got))
	}
	if got[0].RefmetName != "L-Alanine" {
		t.Fatalf("refmet = %q", got[0].RefmetName)
	}
	if got[0].Value == nil || *got[0].Value != 7.5 {
		t.Fatalf("value = %v", got[0].Value)
	}
}

func TestMSStreamRefmetSentinels(t *testing.T) {
	in := `MS_METABOLITE_DATA_START
Samples	S1	RefMet
Alanine	1	-
Glycine	2	NA
Serine	3	L-Serine
MS_METABOLITE_DATA_END
`
	_, got := collectMS(t, in, Metadata{StudyID: "ST001", AnalysisID: "AN001"})
	if got[0].RefmetName != "" || got[1].RefmetName != "" {
		t.Fatalf("sentinel refmet kept: %+v", got[:2])
	}
	if got[2].RefmetName != "L-Serine" {
		t.Fatalf("refmet = %q", got[2].RefmetName)
	}
}

func TestMSStreamMissingEndMarker(t *testing.T) {
	in := `MS_METABOLITE_DATA_START
Samples	S1
Alanine	1
`
	_, got := collectMS(t, in, Metadata{StudyID: "ST001", AnalysisID: "AN001"})
	if len(got) != 1 {
		t.Fatalf("measurements = %d, want 1", len(got))
	}
}

func TestMSStreamShortAndBlankRows(t *testing.T) {
	in := `MS_METABOLITE_DATA_START
Samples	S1	S2
Alanine	1

	2	3
Glycine
MS_METABOLITE_DATA_END
`
	_, got := collectMS(t, in, Metadata{StudyID: "ST001", AnalysisID: "AN001"})
	// Alanine: short row still emits both columns, the missing cell null.
	// The nameless row is dropped; Glycine has no cells but still emits.
	if len(got) != 4 {
		t.Fatalf("measurements = %d, want 4", len(got))
	}
	if got[1].Value != nil {
		t.Fatalf("missing cell value = %v", *got[1].Value)
	}
	if got[2].FeatureName != "Glycine" || got[2].Value != nil {
		t.Fatalf("glycine = %+v", got[2])
	}
}

func TestMSStreamUnknownIDFallback(t *testing.T) {
	in := `MS_METABOLITE_DATA_START
Samples	S1
Alanine	1
MS_METABOLITE_DATA_END
`
	s, got := collectMS(t, in, Metadata{})
	if s.Columns()[0].SampleUID != "UNKNOWN:S1" {
		t.Fatalf("sample UID = %q", s.Columns()[0].SampleUID)
	}
	if got[0].FeatureUID != "UNKNOWN:met:alanine" {
		t.Fatalf("feature UID = %q", got[0].FeatureUID)
	}
}

func TestScanMSSampleColumns(t *testing.T) {
	in := msFileHead + "Samples\tS1\tS2\nAlanine\t1\t2\nMS_METABOLITE_DATA_END\n"
	cols, err := ScanMSSampleColumns(strings.NewReader(in), Metadata{StudyID: "ST001234", AnalysisID: "AN002001"})
	if err != nil {
		t.Fatalf("ScanMSSampleColumns: %v", err)
	}
	if len(cols) != 2 || cols[0].SampleLabel != "S1" || cols[1].SampleLabel != "S2" {
		t.Fatalf("columns = %+v", cols)
	}
}
