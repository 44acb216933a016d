package export

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet/file"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"

	"metaloader/internal/blob"
	"metaloader/internal/store"
)

func seed(t *testing.T, st *store.MemStore) {
	t.Helper()
	ctx := context.Background()
	study, _, err := st.UpsertStudy(ctx, "ST000200")
	if err != nil {
		t.Fatalf("UpsertStudy: %v", err)
	}
	imp, err := st.CreateImport(ctx, "/data")
	if err != nil {
		t.Fatalf("CreateImport: %v", err)
	}
	f := &store.File{
		ImportID:     imp.ID,
		PathRel:      "ST000200/data.txt",
		PathAbs:      "/data/ST000200/data.txt",
		Filename:     "data.txt",
		Ext:          ".txt",
		SHA256:       "deadbeef",
		SizeBytes:    10,
		DetectedType: "mwtab",
		Device:       "LCMS",
	}
	if err := st.InsertFile(ctx, f); err != nil {
		t.Fatalf("InsertFile: %v", err)
	}
	if _, _, err := st.UpsertAnalysis(ctx, study.ID, "AN000300", &f.ID); err != nil {
		t.Fatalf("UpsertAnalysis: %v", err)
	}
	for _, smp := range []store.Sample{
		{StudyPK: study.ID, SampleLabel: "S1", SampleUID: "ST000200:S1"},
		{StudyPK: study.ID, SampleLabel: "S2", SampleUID: "ST000200:S2"},
	} {
		if _, _, err := st.UpsertSample(ctx, smp); err != nil {
			t.Fatalf("UpsertSample: %v", err)
		}
	}
	if _, err := st.InsertFeatures(ctx, []store.Feature{
		{FeatureUID: "glucose", FeatureType: store.FeatureMetabolite, NameRaw: "Glucose", AnalysisID: "AN000300"},
		{FeatureUID: "alanine", FeatureType: store.FeatureMetabolite, NameRaw: "Alanine", AnalysisID: "AN000300"},
	}); err != nil {
		t.Fatalf("InsertFeatures: %v", err)
	}
	v1, v2, v3 := 1.5, 2.5, 3.5
	c1, c2 := 1, 2
	ms := []store.Measurement{
		{SampleUID: "ST000200:S1", FeatureUID: "glucose", Value: &v1, Unit: "peak area", FileID: &f.ID, ColIndex: &c1},
		{SampleUID: "ST000200:S2", FeatureUID: "glucose", Value: &v2, Unit: "peak area", FileID: &f.ID, ColIndex: &c2},
		{SampleUID: "ST000200:S1", FeatureUID: "alanine", Value: &v3, Unit: "peak area", FileID: &f.ID, ColIndex: &c1},
		{SampleUID: "ST000200:S2", FeatureUID: "alanine", Unit: "peak area", FileID: &f.ID, ColIndex: &c2},
	}
	if err := st.InsertMeasurements(ctx, ms); err != nil {
		t.Fatalf("InsertMeasurements: %v", err)
	}
}

func readBack(t *testing.T, bs blob.Store, key string) (int64, map[string]int) {
	t.Helper()
	_, rc, err := bs.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get %s: %v", key, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	rdr, err := file.NewParquetReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("NewParquetReader: %v", err)
	}
	defer rdr.Close()
	arrowRdr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		t.Fatalf("NewFileReader: %v", err)
	}
	tbl, err := arrowRdr.ReadTable(context.Background())
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	defer tbl.Release()
	cols := make(map[string]int, tbl.NumCols())
	for i, fld := range tbl.Schema().Fields() {
		cols[fld.Name] = i
	}
	return tbl.NumRows(), cols
}

func TestRunExportsAllRows(t *testing.T) {
	st := store.NewMemStore()
	seed(t, st)
	bs := blob.NewMemory()
	svc := &Service{Store: st, Blob: bs}

	stats, err := svc.Run(context.Background(), Options{Key: "exports/all.parquet"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.TotalRows != 4 || stats.TotalChunks != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.FileSizeBytes == 0 {
		t.Fatal("FileSizeBytes = 0")
	}
	info, err := bs.Head(context.Background(), "exports/all.parquet")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if info.ContentType != parquetContentType {
		t.Fatalf("content type = %q", info.ContentType)
	}
	if info.Size != stats.FileSizeBytes {
		t.Fatalf("blob size %d != %d", info.Size, stats.FileSizeBytes)
	}

	rows, cols := readBack(t, bs, "exports/all.parquet")
	if rows != 4 {
		t.Fatalf("parquet rows = %d", rows)
	}
	for _, name := range []string{"file_id", "sample_uid", "feature_uid", "value", "study_id", "analysis_id"} {
		if _, ok := cols[name]; !ok {
			t.Fatalf("missing column %s", name)
		}
	}
	if len(cols) != len(Schema().Fields()) {
		t.Fatalf("column count = %d", len(cols))
	}
}

func TestRunChunksBatches(t *testing.T) {
	st := store.NewMemStore()
	seed(t, st)
	svc := &Service{Store: st, Blob: blob.NewMemory()}

	stats, err := svc.Run(context.Background(), Options{Key: "exports/chunked.parquet", ChunkSize: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.TotalRows != 4 || stats.TotalChunks != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRunEmptyResultWritesNothing(t *testing.T) {
	st := store.NewMemStore()
	seed(t, st)
	bs := blob.NewMemory()
	svc := &Service{Store: st, Blob: bs}

	stats, err := svc.Run(context.Background(), Options{
		Key:    "exports/none.parquet",
		Filter: store.ExportFilter{StudyID: "ST999999"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.TotalRows != 0 || stats.TotalChunks != 0 || stats.FileSizeBytes != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	objs, err := bs.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objs) != 0 {
		t.Fatalf("objects = %d", len(objs))
	}
}

func TestRunFilterByFeatureType(t *testing.T) {
	st := store.NewMemStore()
	seed(t, st)
	svc := &Service{Store: st, Blob: blob.NewMemory()}

	stats, err := svc.Run(context.Background(), Options{
		Key:    "exports/met.parquet",
		Filter: store.ExportFilter{FeatureType: store.FeatureMetabolite},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.TotalRows != 4 {
		t.Fatalf("TotalRows = %d", stats.TotalRows)
	}
}

func TestRunRequiresKey(t *testing.T) {
	svc := &Service{Store: store.NewMemStore(), Blob: blob.NewMemory()}
	if _, err := svc.Run(context.Background(), Options{}); err == nil {
		t.Fatal("want error for missing key")
	}
}

func TestCountAndPreview(t *testing.T) {
	st := store.NewMemStore()
	seed(t, st)
	svc := &Service{Store: st, Blob: blob.NewMemory()}
	ctx := context.Background()

	n, err := svc.Count(ctx, store.ExportFilter{StudyID: "ST000200"})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 4 {
		t.Fatalf("Count = %d", n)
	}

	rows, err := svc.Preview(ctx, store.ExportFilter{}, 2)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Preview len = %d", len(rows))
	}
	if rows[0].StudyID != "ST000200" {
		t.Fatalf("StudyID = %q", rows[0].StudyID)
	}
}
