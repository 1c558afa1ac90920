package reconciler

import (
	"bytes"
	"encoding/csv"
	"time"

	"paperdigest/internal/kit"
)

var csvHeader = []string{"paper_id", "source_ref", "kind", "observed_at"}

// renderBucketFiles renders each touched bucket as a CSV artifact named
// preference/<period>.csv. Rows are already sorted by (paper, source ref),
// so the rendered bytes are deterministic for a given bucket state.
func renderBucketFiles(record kit.PreferenceRecord) []kit.BucketFile {
	files := make([]kit.BucketFile, 0, len(record.Buckets))
	for _, b := range record.Buckets {
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		_ = w.Write(csvHeader)
		for _, r := range b.Rows {
			_ = w.Write([]string{
				r.PaperID,
				r.SourceRef,
				string(r.Kind),
				r.ObservedAt.UTC().Format(time.RFC3339),
			})
		}
		w.Flush()
		files = append(files, kit.BucketFile{
			Period: b.Period,
			Name:   "preference/" + b.Period + ".csv",
			Data:   buf.Bytes(),
		})
	}
	return files
}
