// Package client gives callers the same document store and bulk insert
// contract whether the database runs in-process or behind a server.
package client

import (
	"context"

	"github.com/andreyvit/docdb"
)

// DocumentStore is a database seen by an application.
type DocumentStore interface {
	// Put writes a document. A non-zero expected etag must match the stored one.
	Put(ctx context.Context, key string, expected docdb.Etag, body, metadata map[string]any) (docdb.Etag, error)
	Get(ctx context.Context, key string) (*docdb.Document, error)
	BulkInsert(ctx context.Context, opt docdb.BulkInsertOptions) (BulkInserter, error)
	Close() error
}

// BulkInserter streams documents into a store. A conflict or storage failure
// is returned by a later Store or by Close, as a *docdb.ConcurrencyError or
// *docdb.StorageError; Store after Close fails with docdb.ErrInvalidState.
type BulkInserter interface {
	Store(ctx context.Context, key string, body, metadata map[string]any) error
	// Close commits the remaining documents and returns the terminal error of
	// the session, if any. It can be called more than once.
	Close() error
	// Abort discards documents that are not committed yet.
	Abort()
	// Stats and Results are complete once Close has returned.
	Stats() docdb.BulkInsertStats
	Results() []*docdb.CommitResult
}

var (
	_ DocumentStore = (*Embedded)(nil)
	_ DocumentStore = (*Remote)(nil)
	_ BulkInserter  = (*docdb.BulkInsert)(nil)
	_ BulkInserter  = (*RemoteBulkInsert)(nil)
)
