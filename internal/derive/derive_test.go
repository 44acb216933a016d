package derive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"metaloader/internal/store"
)

func TestExposureValue(t *testing.T) {
	tests := []struct {
		name     string
		factors  map[string]string
		want     string
		conflict bool
	}{
		{"exact lean", map[string]string{"group": "Lean"}, ExposureCON, false},
		{"exact obese", map[string]string{"group": "Obese"}, ExposureOB, false},
		{"bmi threshold", map[string]string{"bmi": "BMI>30"}, ExposureOB, false},
		{"constitution key", map[string]string{"Constitution": "obesity"}, ExposureOB, false},
		{"irrelevant key", map[string]string{"timepoint": "control"}, "", false},
		{"excluded value", map[string]string{"treatment": "exercise pool"}, "", false},
		{"exclusion overridden by obesity word", map[string]string{"condition": "baseline lean"}, ExposureCON, false},
		{"study name ignored", map[string]string{"group": "Obesity and HDL function"}, "", false},
		{"tie conflict", map[string]string{"group": "case", "cohort": "control"}, "", true},
		{"conflict resolved by score", map[string]string{"group": "case", "status": "ob", "cohort": "healthy subject"}, ExposureOB, true},
		{"empty", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, conflict := ExposureValue(tt.factors)
			if got != tt.want || conflict != tt.conflict {
				t.Fatalf("ExposureValue() = %q, %v; want %q, %v", got, conflict, tt.want, tt.conflict)
			}
		})
	}
}

func TestMatrixValue(t *testing.T) {
	tests := []struct {
		name     string
		factors  map[string]string
		want     string
		conflict bool
	}{
		{"serum", map[string]string{"sample source": "Blood Serum"}, "Serum", false},
		{"plasma maps to serum", map[string]string{"matrix": "plasma"}, "Serum", false},
		{"urine", map[string]string{"biofluid": "urinary"}, "Urine", false},
		{"tissue", map[string]string{"specimen": "liver tissue"}, "Tissue", false},
		{"csf", map[string]string{"sample_type": "Cerebrospinal fluid"}, "CSF", false},
		{"irrelevant key", map[string]string{"group": "serum"}, "", false},
		{"conflict", map[string]string{"specimen": "serum and urine"}, "", true},
		{"no match", map[string]string{"matrix": "unknown stuff"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, conflict := MatrixValue(tt.factors)
			if got != tt.want || conflict != tt.conflict {
				t.Fatalf("MatrixValue() = %q, %v; want %q, %v", got, conflict, tt.want, tt.conflict)
			}
		})
	}
}

func TestMatrixFromPaths(t *testing.T) {
	tests := []struct {
		name  string
		paths []string
		want  string
	}{
		{"directory component", []string{"/data/serum/ST0001.txt"}, "Serum"},
		{"trailing component", []string{"/data/urine"}, "Urine"},
		{"conflict yields nothing", []string{"/data/serum/a.txt", "/data/urine/b.txt"}, ""},
		{"no hint", []string{"/data/study/a.txt"}, ""},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matrixFromPaths(tt.paths); got != tt.want {
				t.Fatalf("matrixFromPaths(%v) = %q, want %q", tt.paths, got, tt.want)
			}
		})
	}
}

func TestDetectDevice(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		return path
	}
	mwtabMS := write("plain.txt", "#METABOLOMICS WORKBENCH\nMS_METABOLITE_DATA_START\n")
	mwtabUPLC := write("uplc.txt", "#METABOLOMICS WORKBENCH\nMS:INSTRUMENT_TYPE\tUPLC system\n")
	mwtabNMR := write("nmrcontent.txt", "#METABOLOMICS WORKBENCH\nNM:INSTRUMENT_TYPE\t1H NMR\n")

	tests := []struct {
		name string
		file store.File
		want string
	}{
		{"nmr detected type", store.File{DetectedType: "nmr_binned_xlsx"}, DeviceNMR},
		{"nmr in path", store.File{DetectedType: "unknown", Filename: "study-NMR-data.xlsx"}, DeviceNMR},
		{"gcms in path", store.File{DetectedType: "unknown", PathAbs: "/data/GC-MS/run1.txt"}, DeviceGCMS},
		{"lcms in path", store.File{DetectedType: "unknown", PathAbs: "/data/LCMS/run1.txt"}, DeviceLCMS},
		{"mwtab content generic ms", store.File{DetectedType: "mwtab", PathAbs: mwtabMS}, DeviceMS},
		{"mwtab content uplc", store.File{DetectedType: "mwtab", PathAbs: mwtabUPLC}, DeviceLCMS},
		{"mwtab content nmr", store.File{DetectedType: "mwtab", PathAbs: mwtabNMR}, DeviceNMR},
		{"no hints", store.File{DetectedType: "unknown", Filename: "notes.txt"}, ""},
		{"results type no hint", store.File{DetectedType: "results_txt", Filename: "a_res.txt"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectDevice(tt.file); got != tt.want {
				t.Fatalf("detectDevice() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeriveAll(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	dir := t.TempDir()
	path := filepath.Join(dir, "uplc.txt")
	if err := os.WriteFile(path, []byte("#METABOLOMICS WORKBENCH\nUPLC method\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	imp, err := st.CreateImport(ctx, dir)
	if err != nil {
		t.Fatalf("CreateImport: %v", err)
	}
	f := store.File{ImportID: imp.ID, PathAbs: path, Filename: "uplc.txt", Ext: ".txt", SHA256: "aa", SizeBytes: 1, DetectedType: "mwtab"}
	if err := st.InsertFile(ctx, &f); err != nil {
		t.Fatalf("InsertFile: %v", err)
	}
	study, _, err := st.UpsertStudy(ctx, "ST000500")
	if err != nil {
		t.Fatalf("UpsertStudy: %v", err)
	}
	if _, _, err := st.UpsertAnalysis(ctx, study.ID, "AN000800", &f.ID); err != nil {
		t.Fatalf("UpsertAnalysis: %v", err)
	}
	if _, _, err := st.UpsertSample(ctx, store.Sample{
		StudyPK: study.ID, SampleLabel: "S1", SampleUID: "ST000500:S1",
		FactorsRaw: "Group:Lean | Matrix:Serum",
	}); err != nil {
		t.Fatalf("UpsertSample: %v", err)
	}
	if _, _, err := st.UpsertSample(ctx, store.Sample{
		StudyPK: study.ID, SampleLabel: "S2", SampleUID: "ST000500:S2",
		FactorsRaw: "Group:Obese", Exposure: "CON", SampleMatrix: "Urine",
	}); err != nil {
		t.Fatalf("UpsertSample: %v", err)
	}

	svc := &Service{Store: st}
	stats, err := svc.DeriveAll(ctx, Options{})
	if err != nil {
		t.Fatalf("DeriveAll: %v", err)
	}
	if stats.FilesDeviceSet != 1 || stats.FilesDeviceUnknown != 0 {
		t.Fatalf("device stats = %+v", stats)
	}
	if stats.SamplesExposureSet != 1 || stats.SamplesExposureAlreadySet != 1 {
		t.Fatalf("exposure stats = %+v", stats)
	}
	if stats.SamplesMatrixSet != 1 || stats.SamplesMatrixAlreadySet != 1 {
		t.Fatalf("matrix stats = %+v", stats)
	}

	got, err := st.FileByID(ctx, f.ID)
	if err != nil {
		t.Fatalf("FileByID: %v", err)
	}
	if got.Device != DeviceLCMS {
		t.Fatalf("file device = %q", got.Device)
	}
	analyses, err := st.ListAnalysesByFile(ctx, f.ID)
	if err != nil {
		t.Fatalf("ListAnalysesByFile: %v", err)
	}
	if len(analyses) != 1 || analyses[0].Device != DeviceLCMS {
		t.Fatalf("analyses = %+v", analyses)
	}

	samples, err := st.ListSamples(ctx, store.SampleFilter{UIDPrefix: "ST000500:"})
	if err != nil {
		t.Fatalf("ListSamples: %v", err)
	}
	byUID := map[string]store.Sample{}
	for _, s := range samples {
		byUID[s.SampleUID] = s
	}
	if s := byUID["ST000500:S1"]; s.Exposure != ExposureCON || s.SampleMatrix != "Serum" {
		t.Fatalf("derived sample = %+v", s)
	}
	// Pre-set values survive even when the factors disagree.
	if s := byUID["ST000500:S2"]; s.Exposure != "CON" || s.SampleMatrix != "Urine" {
		t.Fatalf("preset sample = %+v", s)
	}
}

func TestDeriveAllDryRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	study, _, err := st.UpsertStudy(ctx, "ST000501")
	if err != nil {
		t.Fatalf("UpsertStudy: %v", err)
	}
	if _, _, err := st.UpsertSample(ctx, store.Sample{
		StudyPK: study.ID, SampleLabel: "S1", SampleUID: "ST000501:S1", FactorsRaw: "Group:Lean",
	}); err != nil {
		t.Fatalf("UpsertSample: %v", err)
	}

	stats, err := (&Service{Store: st}).DeriveAll(ctx, Options{DryRun: true})
	if err != nil {
		t.Fatalf("DeriveAll: %v", err)
	}
	if stats.SamplesExposureSet != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	samples, err := st.ListSamples(ctx, store.SampleFilter{})
	if err != nil {
		t.Fatalf("ListSamples: %v", err)
	}
	if samples[0].Exposure != "" {
		t.Fatalf("dry run wrote exposure %q", samples[0].Exposure)
	}
}
