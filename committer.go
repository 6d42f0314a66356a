package docdb

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"
)

type OutcomeStatus uint8

const (
	NotAttempted OutcomeStatus = iota
	Created
	Updated
	// Unchanged means the write was elided because SkipOverwriteIfUnchanged
	// was set and the stored document was identical.
	Unchanged
	Conflict
	// RolledBack means the write was accepted but its transaction was rolled
	// back because of a conflict later in the same batch.
	RolledBack
)

var outcomeStatusNames = [...]string{
	NotAttempted: "not_attempted",
	Created:      "created",
	Updated:      "updated",
	Unchanged:    "unchanged",
	Conflict:     "conflict",
	RolledBack:   "rolled_back",
}

func (s OutcomeStatus) String() string {
	if int(s) < len(outcomeStatusNames) {
		return outcomeStatusNames[s]
	}
	return fmt.Sprintf("OutcomeStatus(%d)", int(s))
}

func ParseOutcomeStatus(s string) (OutcomeStatus, error) {
	for i, name := range outcomeStatusNames {
		if name == s {
			return OutcomeStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown outcome status %q", s)
}

// Stored reports whether the key holds the written document after the commit.
func (s OutcomeStatus) Stored() bool {
	return s == Created || s == Updated || s == Unchanged
}

type KeyOutcome struct {
	Key      string
	Status   OutcomeStatus
	Etag     Etag
	Conflict *ConcurrencyError
}

// CommitResult reports the per-key outcomes of one batch, in submission order.
type CommitResult struct {
	Batch     int
	Outcomes  []KeyOutcome
	Conflict  *ConcurrencyError
	Committed bool
}

func (r *CommitResult) Count(status OutcomeStatus) int {
	var n int
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// commitBatch writes batch in one transaction. Conflicts are reported in the
// result; a returned error is a storage failure and nothing was committed.
func (db *DB) commitBatch(batch []PendingWrite, opt BulkInsertOptions) (*CommitResult, error) {
	res := &CommitResult{Outcomes: make([]KeyOutcome, len(batch))}
	for i, w := range batch {
		res.Outcomes[i].Key = w.Key
	}
	if len(batch) == 0 {
		return res, nil
	}

	tx, err := db.beginTx(true)
	if err != nil {
		return nil, err
	}
	defer tx.rollback()

	now := db.now()
	conflictAt := -1
	for i, w := range batch {
		out := &res.Outcomes[i]

		existing, prev, err := tx.lookup(w.Key)
		if err != nil {
			return nil, storageErr("lookup", w.Key, err)
		}

		d := resolve(w.Key, existing, opt.CheckForUpdates)
		if !d.Accept {
			out.Status, out.Conflict = Conflict, d.Conflict
			conflictAt = i
			break
		}

		metaRaw, err := encodeMap(w.Metadata)
		if err != nil {
			return nil, storageErr("encode metadata", w.Key, err)
		}
		bodyRaw, err := encodeMap(w.Body)
		if err != nil {
			return nil, storageErr("encode body", w.Key, err)
		}

		if d.Overwrite && opt.SkipOverwriteIfUnchanged {
			var old value
			if err := old.decode(prev); err != nil {
				return nil, storageErr("decode", w.Key, err)
			}
			if bytes.Equal(old.Metadata, metaRaw) && bytes.Equal(old.Body, bodyRaw) {
				out.Status, out.Etag = Unchanged, existing
				if db.verbose {
					db.logger.LogAttrs(context.Background(), slog.LevelDebug, "db: PUT.NOOP", slog.String("db", db.name), slog.String("key", w.Key), slog.String("etag", existing.String()))
				}
				continue
			}
		}

		wr, err := tx.write(w.Key, expectEtag(d.Supersedes), prev, metaRaw, bodyRaw, now)
		if err != nil {
			return nil, storageErr("write", w.Key, err)
		}
		if wr.Mismatch != nil {
			out.Status, out.Conflict = Conflict, wr.Mismatch.conflict()
			conflictAt = i
			break
		}
		if d.Overwrite {
			out.Status = Updated
		} else {
			out.Status = Created
		}
		out.Etag = wr.Etag
		if db.verbose {
			db.logger.LogAttrs(context.Background(), slog.LevelDebug, "db: PUT", slog.String("db", db.name), slog.String("key", w.Key), slog.String("etag", wr.Etag.String()), slog.String("status", out.Status.String()))
		}
	}

	if conflictAt >= 0 {
		res.Conflict = res.Outcomes[conflictAt].Conflict
		if db.atomicity == RollbackBatch {
			tx.rollback()
			for i := 0; i < conflictAt; i++ {
				if o := &res.Outcomes[i]; o.Status != Unchanged {
					o.Status, o.Etag = RolledBack, NoEtag
				}
			}
			return res, nil
		}
	}

	if err := tx.commit(); err != nil {
		return nil, storageErr("commit", "", err)
	}
	res.Committed = true
	return res, nil
}

// timedCommit runs commitBatch, turning panics into storage errors.
func (db *DB) timedCommit(batch []PendingWrite, opt BulkInsertOptions) (*CommitResult, time.Duration, error) {
	start := time.Now()
	res, err := safelyCall(func() (*CommitResult, error) {
		return db.commitBatch(batch, opt)
	})
	if err != nil {
		err = storageErr("commit batch", "", err)
	}
	return res, time.Since(start), err
}
