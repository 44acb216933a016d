// Package qc computes read-only data-quality summaries over the
// measurement tables.
package qc

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"metaloader/internal/store"
)

// Filters narrows the summary. AnalysisID matches by feature UID prefix.
type Filters struct {
	StudyID    string
	AnalysisID string
}

// Service runs QC summaries against the store.
type Service struct {
	Store store.Store
}

// Summary computes the QC aggregate under the given filters.
func (s *Service) Summary(ctx context.Context, f Filters) (store.QCSummary, error) {
	return s.Store.QCSummarize(ctx, store.QCFilter{StudyID: f.StudyID, AnalysisID: f.AnalysisID})
}

// Render writes the summary as an aligned text report.
func Render(w io.Writer, f Filters, sum store.QCSummary) error {
	if _, err := fmt.Fprintln(w, "QC summary"); err != nil {
		return err
	}
	if f.StudyID != "" || f.AnalysisID != "" {
		line := "filters:"
		if f.StudyID != "" {
			line += " study_id=" + f.StudyID
		}
		if f.AnalysisID != "" {
			line += " analysis_id=" + f.AnalysisID
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "measurements total\t%d\n", sum.TotalMeasurements)
	fmt.Fprintf(tw, "non-null values\t%d\n", sum.NonNullValues)
	fmt.Fprintf(tw, "null values\t%d (%.1f%%)\n", sum.NullCount, sum.NullPercent)
	fmt.Fprintf(tw, "duplicate (sample, feature) pairs\t%d\n", sum.DuplicatePairs)
	fmt.Fprintf(tw, "negative values\t%d\n", sum.NegativeValues)
	fmt.Fprintf(tw, "measurements with unknown sample\t%d\n", sum.OrphanSamples)
	fmt.Fprintf(tw, "measurements with unknown feature\t%d\n", sum.OrphanFeatures)
	fmt.Fprintf(tw, "samples total\t%d\n", sum.SamplesTotal)
	fmt.Fprintf(tw, "samples without factors\t%d\n", sum.SamplesNoFactors)
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(sum.TopUnits) > 0 {
		fmt.Fprintln(w, "top units")
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, u := range sum.TopUnits {
			unit := u.Unit
			if unit == "" {
				unit = "(none)"
			}
			fmt.Fprintf(tw, "  %s\t%d\n", unit, u.Count)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	if len(sum.TopNullFeatures) > 0 {
		fmt.Fprintln(w, "top features by null count")
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, fc := range sum.TopNullFeatures {
			fmt.Fprintf(tw, "  %s\t%d\n", fc.FeatureUID, fc.Nulls)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}
