package client

import (
	"context"

	"github.com/andreyvit/docdb"
)

// Embedded calls straight into an open database.
type Embedded struct {
	db    *docdb.DB
	owned bool
}

// NewEmbedded wraps db. Closing the store does not close db.
func NewEmbedded(db *docdb.DB) *Embedded {
	return &Embedded{db: db}
}

// OpenEmbedded opens a database owned by the returned store.
func OpenEmbedded(path string, opt docdb.Options) (*Embedded, error) {
	db, err := docdb.Open(path, opt)
	if err != nil {
		return nil, err
	}
	return &Embedded{db: db, owned: true}, nil
}

func (e *Embedded) DB() *docdb.DB {
	return e.db
}

func (e *Embedded) Put(ctx context.Context, key string, expected docdb.Etag, body, metadata map[string]any) (docdb.Etag, error) {
	return e.db.Put(key, expected, body, metadata)
}

func (e *Embedded) Get(ctx context.Context, key string) (*docdb.Document, error) {
	return e.db.Get(key)
}

func (e *Embedded) BulkInsert(ctx context.Context, opt docdb.BulkInsertOptions) (BulkInserter, error) {
	bulk, err := e.db.BulkInsert(opt)
	if err != nil {
		return nil, err
	}
	return bulk, nil
}

func (e *Embedded) Close() error {
	if e.owned {
		return e.db.Close()
	}
	return nil
}
