// Command metaloader loads metabolomics workbench files into a
// relational store and exports the normalized measurements.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"

	"metaloader/internal/blob"
	"metaloader/internal/derive"
	"metaloader/internal/export"
	"metaloader/internal/ingest"
	"metaloader/internal/qc"
	"metaloader/internal/registry"
	"metaloader/internal/store"
	"metaloader/internal/tagger"
)

var exitFunc = os.Exit

func main() {
	exitFunc(cli(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: metaloader <command> [flags]

Commands:
  db-init         connect to the database and apply the schema
  ingest-dir      register every allowed file under a directory
  ingest-file     register a single file with an existing import
  finish-import   finalize an import with a status and notes
  parse           parse one mwTab file into the store
  parse-dir       parse every mwtab file under a directory
  parse-import    parse the pending files of an import
  tag             infer file categories from paths
  derive          derive device, exposure and matrix categories
  qc              print a data quality summary
  export          export measurements to a Parquet blob

Environment:
  METALOADER_DB_DRIVER   postgres|sqlite (default postgres)
  METALOADER_DB_DSN      connection string (driver-specific default)
  METALOADER_BLOB_DRIVER fs|s3|memory (default fs, export only)

Run "metaloader <command> -h" for command flags.
`)
}

func cli(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "db-init":
		return cmdDBInit(rest, stdout, stderr)
	case "ingest-dir":
		return cmdIngestDir(rest, stdout, stderr)
	case "ingest-file":
		return cmdIngestFile(rest, stdout, stderr)
	case "finish-import":
		return cmdFinishImport(rest, stdout, stderr)
	case "parse":
		return cmdParse(rest, stdout, stderr)
	case "parse-dir":
		return cmdParseDir(rest, stdout, stderr)
	case "parse-import":
		return cmdParseImport(rest, stdout, stderr)
	case "tag":
		return cmdTag(rest, stdout, stderr)
	case "derive":
		return cmdDerive(rest, stdout, stderr)
	case "qc":
		return cmdQC(rest, stdout, stderr)
	case "export":
		return cmdExport(rest, stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		usage(stderr)
		return 2
	}
}

// openStore connects using METALOADER_DB_DRIVER and METALOADER_DB_DSN.
// Opening applies the embedded schema, so db-init is just open+close.
func openStore(ctx context.Context) (*store.SQLStore, error) {
	driver := os.Getenv("METALOADER_DB_DRIVER")
	if driver == "" {
		driver = string(store.DriverPostgres)
	}
	return store.Open(ctx, store.Driver(driver), os.Getenv("METALOADER_DB_DSN"))
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "error: %v\n", err)
	return 1
}

func parseUUIDFlag(value, name string) (*uuid.UUID, error) {
	if value == "" {
		return nil, nil
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	return &id, nil
}

func cmdDBInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("db-init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer st.Close()
	fmt.Fprintln(stdout, "database schema ready")
	return 0
}

func cmdIngestDir(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ingest-dir", flag.ContinueOnError)
	fs.SetOutput(stderr)
	notes := fs.String("notes", "", "notes recorded on the import")
	exts := fs.String("ext", "", "comma-separated extension override (e.g. txt,csv)")
	maxFiles := fs.Int("max-files", 0, "stop after N files (0 = no limit)")
	dryRun := fs.Bool("dry-run", false, "walk and count without registering")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: metaloader ingest-dir [flags] <dir>")
		return 2
	}
	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer st.Close()

	opts := registry.IngestOptions{Notes: *notes, MaxFiles: *maxFiles, DryRun: *dryRun}
	if *exts != "" {
		opts.IncludeExtensions = strings.Split(*exts, ",")
	}
	stats, err := (&registry.Service{Store: st}).IngestDir(ctx, fs.Arg(0), opts)
	if err != nil {
		return fail(stderr, err)
	}
	printIngestStats(stdout, stats)
	return 0
}

func printIngestStats(w io.Writer, stats registry.IngestStats) {
	if stats.ImportID != nil {
		fmt.Fprintf(w, "import %s\n", stats.ImportID)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "files found\t%d\n", stats.FilesFound)
	fmt.Fprintf(tw, "new\t%d\n", stats.FilesNew)
	fmt.Fprintf(tw, "duplicates\t%d\n", stats.FilesDuplicate)
	fmt.Fprintf(tw, "skipped\t%d\n", stats.FilesSkipped)
	fmt.Fprintf(tw, "errors\t%d\n", stats.FilesError)
	tw.Flush()
	for _, name := range sortedKeys(stats.ByType) {
		fmt.Fprintf(w, "  type %s: %d\n", name, stats.ByType[name])
	}
	for _, e := range stats.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cmdIngestFile(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ingest-file", flag.ContinueOnError)
	fs.SetOutput(stderr)
	importID := fs.String("import-id", "", "import to attach the file to (required)")
	root := fs.String("root", "", "root for the relative path (default: file's directory)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 || *importID == "" {
		fmt.Fprintln(stderr, "usage: metaloader ingest-file -import-id <uuid> [-root dir] <path>")
		return 2
	}
	impID, err := parseUUIDFlag(*importID, "import id")
	if err != nil {
		return fail(stderr, err)
	}
	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer st.Close()

	f, created, err := (&registry.Service{Store: st}).RegisterFile(ctx, fs.Arg(0), *impID, *root)
	if err != nil {
		return fail(stderr, err)
	}
	if created {
		fmt.Fprintf(stdout, "registered %s as %s (type %s)\n", f.Filename, f.ID, f.DetectedType)
	} else {
		fmt.Fprintf(stdout, "duplicate of %s (sha256 %s)\n", f.ID, f.SHA256[:12])
	}
	return 0
}

func cmdFinishImport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("finish-import", flag.ContinueOnError)
	fs.SetOutput(stderr)
	status := fs.String("status", "", "final status: success or failed (required)")
	notes := fs.String("notes", "", "notes about the import")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 || *status == "" {
		fmt.Fprintln(stderr, "usage: metaloader finish-import -status <success|failed> [-notes text] <import-id>")
		return 2
	}
	var final store.ImportStatus
	switch *status {
	case "success":
		final = store.ImportSuccess
	case "failed":
		final = store.ImportFailed
	default:
		fmt.Fprintf(stderr, "invalid status %q: must be success or failed\n", *status)
		return 2
	}
	impID, err := parseUUIDFlag(fs.Arg(0), "import id")
	if err != nil {
		return fail(stderr, err)
	}
	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer st.Close()

	if err := st.FinishImport(ctx, *impID, final, *notes); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "import %s marked %s\n", impID, final)
	return 0
}

func cmdParse(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("parse", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fileID := fs.String("file-id", "", "registered file to parse (alternative to a path argument)")
	dryRun := fs.Bool("dry-run", false, "count without writing")
	legacy := fs.Bool("legacy", false, "use the legacy per-cell upsert scheme")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if (fs.NArg() == 1) == (*fileID != "") {
		fmt.Fprintln(stderr, "usage: metaloader parse [-dry-run] [-legacy] (-file-id <uuid> | <path>)")
		return 2
	}
	fID, err := parseUUIDFlag(*fileID, "file id")
	if err != nil {
		return fail(stderr, err)
	}
	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer st.Close()

	svc := &ingest.Service{Store: st}
	req := ingest.ParseRequest{Path: fs.Arg(0), FileID: fID, DryRun: *dryRun}
	var stats ingest.ParseStats
	if *legacy {
		stats, err = svc.ParseLegacy(ctx, req)
	} else {
		stats, err = svc.ParseFile(ctx, req)
	}
	if err != nil {
		return fail(stderr, err)
	}
	printParseStats(stdout, stats, *dryRun)
	return 0
}

func printParseStats(w io.Writer, stats ingest.ParseStats, dryRun bool) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "study\t%s\n", stats.StudyID)
	fmt.Fprintf(tw, "analysis\t%s\n", stats.AnalysisID)
	fmt.Fprintf(tw, "samples\t%d processed, %d created\n", stats.SamplesProcessed, stats.SamplesCreated)
	fmt.Fprintf(tw, "features\t%d processed, %d created\n", stats.FeaturesProcessed, stats.FeaturesCreated)
	fmt.Fprintf(tw, "measurements\t%d processed, %d inserted, %d skipped, %d updated\n",
		stats.MeasurementsProcessed, stats.MeasurementsInserted, stats.MeasurementsSkipped, stats.MeasurementsUpdated)
	fmt.Fprintf(tw, "warnings\t%d\n", stats.WarningsCount)
	tw.Flush()
	if dryRun {
		fmt.Fprintln(w, "dry run: nothing written")
	}
}

func bulkFlags(fs *flag.FlagSet) (only, skip *string, failFast, dryRun, legacy *bool, maxFiles *int) {
	only = fs.String("only", "", "comma-separated detected types to include")
	skip = fs.String("skip", "", "comma-separated detected types to exclude")
	failFast = fs.Bool("fail-fast", false, "stop on the first file error")
	dryRun = fs.Bool("dry-run", false, "count without writing")
	legacy = fs.Bool("legacy", false, "use the legacy per-cell upsert scheme")
	maxFiles = fs.Int("max-files", 0, "stop after N files (0 = no limit)")
	return only, skip, failFast, dryRun, legacy, maxFiles
}

func bulkOptions(only, skip string, failFast, dryRun, legacy bool, maxFiles int) ingest.BulkOptions {
	opts := ingest.BulkOptions{FailFast: failFast, DryRun: dryRun, Legacy: legacy, MaxFiles: maxFiles}
	if only != "" {
		opts.OnlyTypes = strings.Split(only, ",")
	}
	if skip != "" {
		opts.SkipTypes = strings.Split(skip, ",")
	}
	return opts
}

func cmdParseDir(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("parse-dir", flag.ContinueOnError)
	fs.SetOutput(stderr)
	only, skip, failFast, dryRun, legacy, maxFiles := bulkFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: metaloader parse-dir [flags] <dir>")
		return 2
	}
	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer st.Close()

	svc := &ingest.Service{Store: st}
	stats, err := svc.ParseDir(ctx, fs.Arg(0), bulkOptions(*only, *skip, *failFast, *dryRun, *legacy, *maxFiles))
	if err != nil {
		return fail(stderr, err)
	}
	printDirStats(stdout, stats)
	return 0
}

func cmdParseImport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("parse-import", flag.ContinueOnError)
	fs.SetOutput(stderr)
	only, skip, failFast, dryRun, legacy, maxFiles := bulkFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: metaloader parse-import [flags] <import-id>")
		return 2
	}
	impID, err := parseUUIDFlag(fs.Arg(0), "import id")
	if err != nil {
		return fail(stderr, err)
	}
	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer st.Close()

	svc := &ingest.Service{Store: st}
	stats, err := svc.ParseImport(ctx, *impID, bulkOptions(*only, *skip, *failFast, *dryRun, *legacy, *maxFiles))
	if err != nil {
		return fail(stderr, err)
	}
	printDirStats(stdout, stats)
	return 0
}

func printDirStats(w io.Writer, stats ingest.DirStats) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "files\t%d total, %d parsed, %d ok, %d failed, %d skipped\n",
		stats.FilesTotal, stats.FilesParsed, stats.FilesSuccess, stats.FilesFailed, stats.FilesSkipped)
	fmt.Fprintf(tw, "samples created\t%d\n", stats.SamplesCreated)
	fmt.Fprintf(tw, "features created\t%d\n", stats.FeaturesCreated)
	fmt.Fprintf(tw, "measurements inserted\t%d\n", stats.MeasurementsInserted)
	tw.Flush()
	for _, name := range sortedKeys(stats.ByType) {
		fmt.Fprintf(w, "  type %s: %d\n", name, stats.ByType[name])
	}
	for _, e := range stats.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}

func cmdTag(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tag", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fileID := fs.String("file-id", "", "tag a single file")
	importID := fs.String("import-id", "", "tag the files of one import")
	all := fs.Bool("all", false, "tag every registered file")
	overwrite := fs.Bool("overwrite", false, "replace existing category values")
	dryRun := fs.Bool("dry-run", false, "report without writing")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	fID, err := parseUUIDFlag(*fileID, "file id")
	if err != nil {
		return fail(stderr, err)
	}
	impID, err := parseUUIDFlag(*importID, "import id")
	if err != nil {
		return fail(stderr, err)
	}
	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer st.Close()

	svc := &tagger.Service{Store: st}
	stats, err := svc.TagFiles(ctx, tagger.Options{
		FileID: fID, ImportID: impID, All: *all,
		Overwrite: *overwrite, DryRun: *dryRun,
	})
	if err != nil {
		return fail(stderr, err)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "files\t%d processed, %d updated, %d skipped\n",
		stats.FilesProcessed, stats.FilesUpdated, stats.FilesSkipped)
	fmt.Fprintf(tw, "set\tdevice %d, exposure %d, sample type %d, platform %d\n",
		stats.DeviceSet, stats.ExposureSet, stats.SampleTypeSet, stats.PlatformSet)
	tw.Flush()
	for _, warn := range stats.Warnings {
		fmt.Fprintf(stdout, "  warning: %s\n", warn)
	}
	return 0
}

func cmdDerive(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("derive", flag.ContinueOnError)
	fs.SetOutput(stderr)
	studyID := fs.String("study", "", "restrict to one study")
	fileID := fs.String("file-id", "", "restrict the device pass to one file")
	dryRun := fs.Bool("dry-run", false, "report without writing")
	limit := fs.Int("limit", 0, "cap processed rows per pass (0 = no limit)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	fID, err := parseUUIDFlag(*fileID, "file id")
	if err != nil {
		return fail(stderr, err)
	}
	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer st.Close()

	svc := &derive.Service{Store: st}
	stats, err := svc.DeriveAll(ctx, derive.Options{StudyID: *studyID, FileID: fID, DryRun: *dryRun, Limit: *limit})
	if err != nil {
		return fail(stderr, err)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "files\t%d processed, %d device set, %d already set, %d unknown\n",
		stats.FilesProcessed, stats.FilesDeviceSet, stats.FilesDeviceAlreadySet, stats.FilesDeviceUnknown)
	fmt.Fprintf(tw, "exposure\t%d set, %d already set, %d unknown, %d conflicts\n",
		stats.SamplesExposureSet, stats.SamplesExposureAlreadySet, stats.SamplesExposureUnknown, stats.SamplesExposureConflict)
	fmt.Fprintf(tw, "matrix\t%d set, %d already set, %d unknown, %d conflicts\n",
		stats.SamplesMatrixSet, stats.SamplesMatrixAlreadySet, stats.SamplesMatrixUnknown, stats.SamplesMatrixConflict)
	tw.Flush()
	for _, warn := range stats.Warnings {
		fmt.Fprintf(stdout, "  warning: %s\n", warn)
	}
	return 0
}

func cmdQC(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("qc", flag.ContinueOnError)
	fs.SetOutput(stderr)
	studyID := fs.String("study", "", "restrict to one study")
	analysisID := fs.String("analysis", "", "restrict to one analysis")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer st.Close()

	filters := qc.Filters{StudyID: *studyID, AnalysisID: *analysisID}
	sum, err := (&qc.Service{Store: st}).Summary(ctx, filters)
	if err != nil {
		return fail(stderr, err)
	}
	if err := qc.Render(stdout, filters, sum); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func cmdExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	key := fs.String("key", "", "destination blob key (required unless -count)")
	studyID := fs.String("study", "", "filter by study")
	fileID := fs.String("file-id", "", "filter by file")
	importID := fs.String("import-id", "", "filter by import")
	featureType := fs.String("feature-type", "", "filter by feature type (metabolite, nmr_bin)")
	chunkSize := fs.Int("chunk-size", 0, "rows per record batch (default 200000)")
	countOnly := fs.Bool("count", false, "print the row count and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	fID, err := parseUUIDFlag(*fileID, "file id")
	if err != nil {
		return fail(stderr, err)
	}
	impID, err := parseUUIDFlag(*importID, "import id")
	if err != nil {
		return fail(stderr, err)
	}
	filter := store.ExportFilter{FileID: fID, ImportID: impID, FeatureType: *featureType, StudyID: *studyID}

	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	defer st.Close()

	if *countOnly {
		n, err := (&export.Service{Store: st}).Count(ctx, filter)
		if err != nil {
			return fail(stderr, err)
		}
		fmt.Fprintf(stdout, "%d rows\n", n)
		return 0
	}
	if *key == "" {
		fmt.Fprintln(stderr, "usage: metaloader export -key <blob-key> [filters]")
		return 2
	}

	bs, err := blob.Open(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	svc := &export.Service{Store: st, Blob: bs}
	stats, err := svc.Run(ctx, export.Options{Key: *key, Filter: filter, ChunkSize: *chunkSize})
	if err != nil {
		return fail(stderr, err)
	}
	if stats.TotalRows == 0 {
		fmt.Fprintln(stdout, "no rows matched; nothing exported")
		return 0
	}
	fmt.Fprintf(stdout, "exported %d rows in %d chunks to %s (%d bytes)\n",
		stats.TotalRows, stats.TotalChunks, stats.OutputKey, stats.FileSizeBytes)
	if u, err := bs.URL(ctx, *key); err == nil {
		fmt.Fprintf(stdout, "url: %s\n", u)
	}
	return 0
}
