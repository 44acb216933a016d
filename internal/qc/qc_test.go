package qc

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"metaloader/internal/store"
)

func seed(t *testing.T, st *store.MemStore) {
	t.Helper()
	ctx := context.Background()
	study, _, err := st.UpsertStudy(ctx, "ST000100")
	if err != nil {
		t.Fatalf("UpsertStudy: %v", err)
	}
	for _, smp := range []store.Sample{
		{StudyPK: study.ID, SampleLabel: "S1", SampleUID: "ST000100:S1", FactorsRaw: "Group:Lean"},
		{StudyPK: study.ID, SampleLabel: "S2", SampleUID: "ST000100:S2"},
	} {
		if _, _, err := st.UpsertSample(ctx, smp); err != nil {
			t.Fatalf("UpsertSample: %v", err)
		}
	}
	if _, err := st.InsertFeatures(ctx, []store.Feature{
		{FeatureUID: "glucose", FeatureType: store.FeatureMetabolite, NameRaw: "Glucose"},
		{FeatureUID: "alanine", FeatureType: store.FeatureMetabolite, NameRaw: "Alanine"},
	}); err != nil {
		t.Fatalf("InsertFeatures: %v", err)
	}
	v1, v2 := 1.5, -2.0
	ms := []store.Measurement{
		{SampleUID: "ST000100:S1", FeatureUID: "glucose", Value: &v1, Unit: "peak area"},
		{SampleUID: "ST000100:S2", FeatureUID: "glucose", Value: &v2, Unit: "peak area"},
		{SampleUID: "ST000100:S1", FeatureUID: "alanine", Unit: "peak area"},
	}
	if err := st.InsertMeasurements(ctx, ms); err != nil {
		t.Fatalf("InsertMeasurements: %v", err)
	}
}

func TestSummary(t *testing.T) {
	st := store.NewMemStore()
	seed(t, st)

	sum, err := (&Service{Store: st}).Summary(context.Background(), Filters{StudyID: "ST000100"})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalMeasurements != 3 || sum.NonNullValues != 2 || sum.NullCount != 1 {
		t.Fatalf("counts = %+v", sum)
	}
	if sum.NegativeValues != 1 {
		t.Fatalf("NegativeValues = %d", sum.NegativeValues)
	}
	if sum.SamplesTotal != 2 || sum.SamplesNoFactors != 1 {
		t.Fatalf("samples = %d / %d", sum.SamplesTotal, sum.SamplesNoFactors)
	}
}

func TestSummaryFilterMisses(t *testing.T) {
	st := store.NewMemStore()
	seed(t, st)

	sum, err := (&Service{Store: st}).Summary(context.Background(), Filters{StudyID: "ST999999"})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalMeasurements != 0 {
		t.Fatalf("TotalMeasurements = %d", sum.TotalMeasurements)
	}
}

func TestRender(t *testing.T) {
	st := store.NewMemStore()
	seed(t, st)

	sum, err := (&Service{Store: st}).Summary(context.Background(), Filters{StudyID: "ST000100"})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	var buf bytes.Buffer
	if err := Render(&buf, Filters{StudyID: "ST000100"}, sum); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"QC summary",
		"filters: study_id=ST000100",
		"measurements total",
		"peak area",
		"samples without factors",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
