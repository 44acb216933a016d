package ingest

import (
	"context"
	"strings"
	"testing"

	"metaloader/internal/store"
)

func TestParseDir(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	dir := t.TempDir()
	second := strings.NewReplacer("ST001234", "ST001235", "AN002001", "AN002002").Replace(msFixture)
	writeFixture(t, dir, "b_second.txt", second)
	writeFixture(t, dir, "a_first.txt", msFixture)
	writeFixture(t, dir, "notes.txt", "just some notes, no banner\n")

	stats, err := newService(st).ParseDir(ctx, dir, BulkOptions{})
	if err != nil {
		t.Fatalf("ParseDir: %v", err)
	}
	if stats.FilesTotal != 2 || stats.FilesSuccess != 2 || stats.FilesFailed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.ByType["mwtab"] != 2 {
		t.Fatalf("ByType = %v", stats.ByType)
	}
	if stats.MeasurementsInserted != 8 {
		t.Fatalf("MeasurementsInserted = %d", stats.MeasurementsInserted)
	}
}

func TestParseDirDryRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	dir := t.TempDir()
	writeFixture(t, dir, "one.txt", msFixture)

	stats, err := newService(st).ParseDir(ctx, dir, BulkOptions{DryRun: true})
	if err != nil {
		t.Fatalf("ParseDir: %v", err)
	}
	if stats.FilesTotal != 1 || stats.FilesParsed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	samples, err := st.ListSamples(ctx, store.SampleFilter{})
	if err != nil {
		t.Fatalf("ListSamples: %v", err)
	}
	if len(samples) != 0 {
		t.Fatalf("dry run wrote %d samples", len(samples))
	}
}

func TestParseDirFailFast(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	dir := t.TempDir()
	broken := strings.Replace(msFixture, " STUDY_ID:ST001234", "", 1)
	writeFixture(t, dir, "broken.txt", broken)
	writeFixture(t, dir, "good.txt", msFixture)

	_, err := newService(st).ParseDir(ctx, dir, BulkOptions{FailFast: true})
	if err == nil || !strings.Contains(err.Error(), "STUDY_ID") {
		t.Fatalf("err = %v", err)
	}

	stats, err := newService(st).ParseDir(ctx, dir, BulkOptions{})
	if err != nil {
		t.Fatalf("ParseDir: %v", err)
	}
	if stats.FilesFailed != 1 || stats.FilesSuccess != 1 || len(stats.Errors) != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestParseImport(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	dir := t.TempDir()
	goodPath := writeFixture(t, dir, "good.txt", msFixture)
	brokenPath := writeFixture(t, dir, "broken.txt", strings.Replace(msFixture, " ANALYSIS_ID:AN002001", "", 1))

	imp, err := st.CreateImport(ctx, dir)
	if err != nil {
		t.Fatalf("CreateImport: %v", err)
	}
	good := store.File{ImportID: imp.ID, PathAbs: goodPath, Filename: "good.txt", Ext: ".txt", DetectedType: "mwtab"}
	broken := store.File{ImportID: imp.ID, PathAbs: brokenPath, Filename: "broken.txt", Ext: ".txt", DetectedType: "mwtab"}
	report := store.File{ImportID: imp.ID, PathAbs: "unused", Filename: "report.html", Ext: ".html", DetectedType: "metabo_table_html"}
	for _, f := range []*store.File{&good, &broken, &report} {
		if err := st.InsertFile(ctx, f); err != nil {
			t.Fatalf("InsertFile: %v", err)
		}
	}

	stats, err := newService(st).ParseImport(ctx, imp.ID, BulkOptions{})
	if err != nil {
		t.Fatalf("ParseImport: %v", err)
	}
	if stats.FilesTotal != 3 || stats.FilesSuccess != 1 || stats.FilesFailed != 1 || stats.FilesSkipped != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	check := func(id string, f store.File, want store.ParseStatus) {
		t.Helper()
		got, err := st.FileByID(ctx, f.ID)
		if err != nil {
			t.Fatalf("FileByID %s: %v", id, err)
		}
		if got.ParseStatus != want {
			t.Fatalf("%s status = %q, want %q", id, got.ParseStatus, want)
		}
		if want == store.ParseFailed && got.ParseError == "" {
			t.Fatalf("%s has no parse error", id)
		}
	}
	check("good", good, store.ParseSuccess)
	check("broken", broken, store.ParseFailed)
	check("report", report, store.ParseSkipped)
}

func TestParseImportRetriesFailed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	dir := t.TempDir()
	path := writeFixture(t, dir, "flaky.txt", strings.Replace(msFixture, " STUDY_ID:ST001234", "", 1))

	imp, err := st.CreateImport(ctx, dir)
	if err != nil {
		t.Fatalf("CreateImport: %v", err)
	}
	f := store.File{ImportID: imp.ID, PathAbs: path, Filename: "flaky.txt", Ext: ".txt", DetectedType: "mwtab"}
	if err := st.InsertFile(ctx, &f); err != nil {
		t.Fatalf("InsertFile: %v", err)
	}

	svc := newService(st)
	if _, err := svc.ParseImport(ctx, imp.ID, BulkOptions{}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Fix the file in place; the failed record is picked up again.
	writeFixture(t, dir, "flaky.txt", msFixture)
	stats, err := svc.ParseImport(ctx, imp.ID, BulkOptions{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.FilesSuccess != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	got, err := st.FileByID(ctx, f.ID)
	if err != nil {
		t.Fatalf("FileByID: %v", err)
	}
	if got.ParseStatus != store.ParseSuccess || got.ParseError != "" {
		t.Fatalf("status = %q, err = %q", got.ParseStatus, got.ParseError)
	}
}
