/*
Package docdb implements a document database with a bulk insert ingestion
path, on top of one of two key-value storage engines.

We implement:

1. Documents: schemaless JSON-like bodies with metadata, addressed by a string
key, versioned by an etag.

2. Single-document Put (with an optional expected etag), Get and prefix Scan.

3. Bulk insert sessions, streaming documents into the database in batches, each
batch committed in its own transaction.

# Technical Details

**Engines.**
EngineCOW stores documents in Bolt, a copy-on-write memory-mapped B+tree.
EngineISAM keeps tables in memory with single-writer transactions and makes
them durable through the journal package. Both are used through the same
storage interface; conditional writes are checked by each engine its own way
and come out as the same conflict.

**Buckets.**
Documents live in the “docs” bucket, keyed by the document key. The “meta”
bucket holds the last assigned etag.

**Etags.**
Every accepted write takes the next value of a per-database counter, allocated
and stored in the same transaction as the write. Zero means “no document”.

**Conflict policy.**
A bulk insert session with CheckForUpdates unset refuses to overwrite an
existing key; with it set, an existing document is superseded and gets a new
etag. The first conflict ends the session.

**Atomicity.**
A conflict in the middle of a batch either rolls back the whole batch
(RollbackBatch) or commits the documents written before it (CommitPrefix).
The mode is chosen per database.

## Binary encoding

**Value**: value header, then metadata, body and modification time.

**Value header**:
1. Flags (uvarint).
2. Etag (uvarint).
3. Metadata size (uvarint).
4. Body size (uvarint).

**Metadata and body**: msgpack maps with sorted keys, so that equal documents
encode to equal bytes.

**Modification time**: msgpack timestamp.
*/
package docdb
