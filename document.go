package docdb

import (
	"fmt"
	"strconv"
	"time"
)

// Etag is a version token assigned by the storage engine on every accepted
// write. Zero means the document does not exist.
type Etag uint64

const NoEtag Etag = 0

func (e Etag) IsZero() bool {
	return e == NoEtag
}

func (e Etag) String() string {
	return fmt.Sprintf("%016x", uint64(e))
}

func ParseEtag(s string) (Etag, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return NoEtag, fmt.Errorf("invalid etag %q", s)
	}
	return Etag(v), nil
}

type Document struct {
	Key          string
	Etag         Etag
	LastModified time.Time
	Metadata     map[string]any
	Body         map[string]any
}

// PendingWrite is a document queued by a bulk insert session.
type PendingWrite struct {
	Key      string
	Body     map[string]any
	Metadata map[string]any
}

const (
	DefaultBatchSize          = 512
	DefaultMaxInFlightBatches = 2
)

type BulkInsertOptions struct {
	// CheckForUpdates allows overwriting existing documents. When false,
	// storing a key that already exists is a concurrency conflict.
	CheckForUpdates bool

	// BatchSize is the maximum number of documents committed in one transaction.
	BatchSize int

	// SkipOverwriteIfUnchanged leaves documents whose body and metadata are
	// identical to the stored ones untouched (etag included).
	SkipOverwriteIfUnchanged bool

	// MaxInFlightBatches bounds the number of batches that are queued or
	// committing; Store blocks once it is reached.
	MaxInFlightBatches int
}

func (o BulkInsertOptions) withDefaults() BulkInsertOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxInFlightBatches <= 0 {
		o.MaxInFlightBatches = DefaultMaxInFlightBatches
	}
	return o
}
