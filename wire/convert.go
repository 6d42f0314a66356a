package wire

import (
	"github.com/andreyvit/docdb"
)

func FromOptions(o docdb.BulkInsertOptions) BulkInsertOptions {
	return BulkInsertOptions{
		CheckForUpdates:          o.CheckForUpdates,
		BatchSize:                o.BatchSize,
		SkipOverwriteIfUnchanged: o.SkipOverwriteIfUnchanged,
		MaxInFlightBatches:       o.MaxInFlightBatches,
	}
}

func (o BulkInsertOptions) Options() docdb.BulkInsertOptions {
	return docdb.BulkInsertOptions{
		CheckForUpdates:          o.CheckForUpdates,
		BatchSize:                o.BatchSize,
		SkipOverwriteIfUnchanged: o.SkipOverwriteIfUnchanged,
		MaxInFlightBatches:       o.MaxInFlightBatches,
	}
}

func FromDocument(doc *docdb.Document) *Document {
	return &Document{
		Key:          doc.Key,
		Etag:         uint64(doc.Etag),
		LastModified: doc.LastModified,
		Metadata:     doc.Metadata,
		Body:         doc.Body,
	}
}

func (d *Document) Document() *docdb.Document {
	doc := &docdb.Document{
		Key:          d.Key,
		Etag:         docdb.Etag(d.Etag),
		LastModified: d.LastModified,
		Metadata:     d.Metadata,
		Body:         d.Body,
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	if doc.Body == nil {
		doc.Body = map[string]any{}
	}
	return doc
}

func FromStats(s docdb.BulkInsertStats) Stats {
	return Stats(s)
}

func (s Stats) Stats() docdb.BulkInsertStats {
	return docdb.BulkInsertStats(s)
}

func FromResult(r *docdb.CommitResult) BatchResult {
	br := BatchResult{
		Batch:     r.Batch,
		Committed: r.Committed,
		Outcomes:  make([]Outcome, len(r.Outcomes)),
	}
	for i, o := range r.Outcomes {
		br.Outcomes[i] = Outcome{Key: o.Key, Status: o.Status.String(), Etag: uint64(o.Etag)}
	}
	return br
}

// Result rebuilds a commit result. Conflict details travel separately as
// the session's terminal Error.
func (br BatchResult) Result() (*docdb.CommitResult, error) {
	r := &docdb.CommitResult{
		Batch:     br.Batch,
		Committed: br.Committed,
		Outcomes:  make([]docdb.KeyOutcome, len(br.Outcomes)),
	}
	for i, o := range br.Outcomes {
		status, err := docdb.ParseOutcomeStatus(o.Status)
		if err != nil {
			return nil, err
		}
		r.Outcomes[i] = docdb.KeyOutcome{Key: o.Key, Status: status, Etag: docdb.Etag(o.Etag)}
	}
	return r, nil
}
