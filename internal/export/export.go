// Package export writes the denormalized measurement join to Parquet.
// Rows stream out of the store in fixed-size chunks, each chunk becomes
// one Arrow record batch, and the finished file is uploaded to a blob
// store destination.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/compress"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"

	"metaloader/internal/blob"
	"metaloader/internal/store"
)

// defaultChunkSize is the number of rows per Arrow record batch.
const defaultChunkSize = 200_000

const parquetContentType = "application/vnd.apache.parquet"

// Schema returns the fixed long-format export schema. A fixed schema
// keeps chunks consistent even when a column is all nulls.
func Schema() *arrow.Schema {
	str := arrow.BinaryTypes.String
	return arrow.NewSchema([]arrow.Field{
		{Name: "file_id", Type: str, Nullable: true},
		{Name: "path_rel", Type: str, Nullable: true},
		{Name: "detected_type", Type: str, Nullable: true},
		{Name: "device", Type: str, Nullable: true},
		{Name: "exposure", Type: str, Nullable: true},
		{Name: "sample_type", Type: str, Nullable: true},
		{Name: "platform", Type: str, Nullable: true},
		{Name: "sample_uid", Type: str, Nullable: true},
		{Name: "sample_label", Type: str, Nullable: true},
		{Name: "feature_uid", Type: str, Nullable: true},
		{Name: "feature_type", Type: str, Nullable: true},
		{Name: "feature_name", Type: str, Nullable: true},
		{Name: "refmet_name", Type: str, Nullable: true},
		{Name: "value", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "unit", Type: str, Nullable: true},
		{Name: "col_index", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
		{Name: "replicate_ix", Type: arrow.PrimitiveTypes.Int16, Nullable: true},
		{Name: "study_id", Type: str, Nullable: true},
		{Name: "analysis_id", Type: str, Nullable: true},
		{Name: "created_at", Type: str, Nullable: true},
	}, nil)
}

// Stats summarizes one export run.
type Stats struct {
	OutputKey     string
	TotalRows     int64
	TotalChunks   int
	FileSizeBytes int64
}

// Options configures an export run.
type Options struct {
	Key       string // destination blob key, e.g. exports/all.parquet
	Filter    store.ExportFilter
	ChunkSize int // rows per record batch, default 200000
}

// Service streams export rows from the store into Parquet blobs.
type Service struct {
	Store store.Store
	Blob  blob.Store
}

// Count returns the number of rows a run with this filter would export.
func (s *Service) Count(ctx context.Context, filter store.ExportFilter) (int64, error) {
	return s.Store.CountExportRows(ctx, filter)
}

// Preview returns up to limit export rows for inspection.
func (s *Service) Preview(ctx context.Context, filter store.ExportFilter, limit int) ([]store.ExportRow, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []store.ExportRow
	err := s.Store.ExportRows(ctx, filter, func(r store.ExportRow) error {
		out = append(out, r)
		if len(out) >= limit {
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	return out, nil
}

var errStop = errors.New("stop iteration")

// Run exports all rows matching opts.Filter to a zstd-compressed
// Parquet object at opts.Key. The Parquet file is staged to a local
// temp file and uploaded once complete; an export with zero matching
// rows uploads nothing.
func (s *Service) Run(ctx context.Context, opts Options) (Stats, error) {
	if opts.Key == "" {
		return Stats{}, fmt.Errorf("export key required")
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	stats := Stats{OutputKey: opts.Key}

	tmp, err := os.CreateTemp("", "export-*.parquet")
	if err != nil {
		return stats, fmt.Errorf("create staging file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	schema := Schema()
	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()

	// The writer is created on the first flush so an empty result set
	// produces no output object.
	var writer *pqarrow.FileWriter
	flush := func() error {
		if builder.Field(0).Len() == 0 {
			return nil
		}
		if writer == nil {
			props := parquet.NewWriterProperties(
				parquet.WithCompression(compress.Codecs.Zstd),
				parquet.WithDictionaryDefault(true),
			)
			arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())
			w, err := pqarrow.NewFileWriter(schema, tmp, props, arrowProps)
			if err != nil {
				return fmt.Errorf("create parquet writer: %w", err)
			}
			writer = w
		}
		rec := builder.NewRecord()
		defer rec.Release()
		if err := writer.Write(rec); err != nil {
			return fmt.Errorf("write record batch: %w", err)
		}
		stats.TotalRows += rec.NumRows()
		stats.TotalChunks++
		return nil
	}

	var pending int
	err = s.Store.ExportRows(ctx, opts.Filter, func(r store.ExportRow) error {
		appendRow(builder, r)
		pending++
		if pending >= chunkSize {
			pending = 0
			return flush()
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("stream export rows: %w", err)
	}
	if err := flush(); err != nil {
		return stats, err
	}
	if writer == nil {
		return stats, nil
	}
	if err := writer.Close(); err != nil {
		return stats, fmt.Errorf("finalize parquet file: %w", err)
	}

	// Closing the parquet writer also closes tmp, so stat and reopen
	// the staged file by name for the upload.
	fi, err := os.Stat(tmp.Name())
	if err != nil {
		return stats, err
	}
	stats.FileSizeBytes = fi.Size()
	staged, err := os.Open(tmp.Name())
	if err != nil {
		return stats, err
	}
	defer staged.Close()
	if _, err := s.Blob.Put(ctx, opts.Key, staged, blob.PutOptions{ContentType: parquetContentType}); err != nil {
		return stats, fmt.Errorf("upload export: %w", err)
	}
	return stats, nil
}

func appendRow(b *array.RecordBuilder, r store.ExportRow) {
	appendString(b.Field(0).(*array.StringBuilder), r.FileID)
	appendString(b.Field(1).(*array.StringBuilder), r.PathRel)
	appendString(b.Field(2).(*array.StringBuilder), r.DetectedType)
	appendString(b.Field(3).(*array.StringBuilder), r.Device)
	appendString(b.Field(4).(*array.StringBuilder), r.Exposure)
	appendString(b.Field(5).(*array.StringBuilder), r.SampleType)
	appendString(b.Field(6).(*array.StringBuilder), r.Platform)
	appendString(b.Field(7).(*array.StringBuilder), r.SampleUID)
	appendString(b.Field(8).(*array.StringBuilder), r.SampleLabel)
	appendString(b.Field(9).(*array.StringBuilder), r.FeatureUID)
	appendString(b.Field(10).(*array.StringBuilder), r.FeatureType)
	appendString(b.Field(11).(*array.StringBuilder), r.FeatureName)
	appendString(b.Field(12).(*array.StringBuilder), r.RefmetName)

	vb := b.Field(13).(*array.Float64Builder)
	if r.Value != nil {
		vb.Append(*r.Value)
	} else {
		vb.AppendNull()
	}

	appendString(b.Field(14).(*array.StringBuilder), r.Unit)

	cb := b.Field(15).(*array.Int32Builder)
	if r.ColIndex != nil {
		cb.Append(int32(*r.ColIndex))
	} else {
		cb.AppendNull()
	}
	rb := b.Field(16).(*array.Int16Builder)
	if r.ReplicateIx != nil {
		rb.Append(*r.ReplicateIx)
	} else {
		rb.AppendNull()
	}

	appendString(b.Field(17).(*array.StringBuilder), r.StudyID)
	appendString(b.Field(18).(*array.StringBuilder), r.AnalysisID)
	appendString(b.Field(19).(*array.StringBuilder), r.CreatedAt)
}

func appendString(b *array.StringBuilder, s string) {
	if s == "" {
		b.AppendNull()
		return
	}
	b.Append(s)
}
