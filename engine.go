package docdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EngineKind selects the storage engine of a database. The choice is made
// once per database when it is opened.
type EngineKind string

const (
	// EngineCOW is a copy-on-write memory-mapped B+tree (Bolt).
	EngineCOW EngineKind = "cow"
	// EngineISAM is a journaled ISAM-style table engine.
	EngineISAM EngineKind = "isam"
)

func ParseEngineKind(s string) (EngineKind, error) {
	switch strings.ToLower(s) {
	case "cow", "bolt", "bbolt":
		return EngineCOW, nil
	case "isam":
		return EngineISAM, nil
	default:
		return "", fmt.Errorf("unknown storage engine %q", s)
	}
}

// AtomicityMode decides what a batch commit does when it hits a conflict.
// It is fixed per database.
type AtomicityMode int

const (
	// RollbackBatch discards the whole batch transaction on conflict.
	RollbackBatch AtomicityMode = iota
	// CommitPrefix commits the documents processed before the conflict.
	CommitPrefix
)

func (m AtomicityMode) String() string {
	switch m {
	case RollbackBatch:
		return "rollback_batch"
	case CommitPrefix:
		return "commit_prefix"
	default:
		return fmt.Sprintf("AtomicityMode(%d)", int(m))
	}
}

func ParseAtomicityMode(s string) (AtomicityMode, error) {
	switch strings.ToLower(s) {
	case "", "rollback_batch", "rollback":
		return RollbackBatch, nil
	case "commit_prefix", "prefix":
		return CommitPrefix, nil
	default:
		return 0, fmt.Errorf("unknown atomicity mode %q", s)
	}
}

const (
	docsBucket = "docs"
	metaBucket = "meta"
)

var lastEtagKey = []byte("last_etag")

// expectation is the state a key must be in for a write to be accepted.
type expectation struct {
	Any    bool
	Absent bool
	Etag   Etag
}

func expectEtag(etag Etag) expectation {
	if etag.IsZero() {
		return expectation{Absent: true}
	}
	return expectation{Etag: etag}
}

func (exp expectation) satisfiedBy(actual Etag) bool {
	switch {
	case exp.Any:
		return true
	case exp.Absent:
		return actual.IsZero()
	default:
		return actual == exp.Etag
	}
}

// etagMismatch is the structured result of a write whose expectation did
// not hold.
type etagMismatch struct {
	Key      string
	Expected Etag
	Actual   Etag
}

func (m *etagMismatch) conflict() *ConcurrencyError {
	return etagConflict(m.Key, m.Expected, m.Actual)
}

type writeResult struct {
	Etag     Etag
	Mismatch *etagMismatch
}

// engineWriter performs conditional writes; each engine detects an unmet
// expectation its own way and reports it as *etagMismatch.
type engineWriter interface {
	writeDoc(b storageBucket, key []byte, exp expectation, prev, val []byte) (*etagMismatch, error)
}

// cowWriter compares etags at write time inside the Bolt transaction.
type cowWriter struct{}

func (cowWriter) writeDoc(b storageBucket, key []byte, exp expectation, prev, val []byte) (*etagMismatch, error) {
	var actual Etag
	if cur := b.Get(key); cur != nil {
		var err error
		actual, err = decodeEtag(cur)
		if err != nil {
			return nil, err
		}
	}
	if !exp.satisfiedBy(actual) {
		return &etagMismatch{Key: string(key), Expected: exp.Etag, Actual: actual}, nil
	}
	return nil, b.Put(key, val)
}

// isamWriter uses the ISAM Insert and Replace primitives and translates
// their key errors.
type isamWriter struct{}

func (isamWriter) writeDoc(b storageBucket, key []byte, exp expectation, prev, val []byte) (*etagMismatch, error) {
	ib, ok := b.(*isamBucket)
	if !ok {
		return nil, fmt.Errorf("isam: unexpected bucket %T", b)
	}
	var err error
	switch {
	case exp.Any:
		err = ib.Put(key, val)
	case exp.Absent:
		err = ib.Insert(key, val)
	default:
		// prev must be the image of the expected version
		if e, derr := decodeEtag(prev); derr != nil || e != exp.Etag {
			prev = nil
		}
		err = ib.Replace(key, val, prev)
	}
	if isISAMKeyConflict(err) {
		var actual Etag
		if cur := ib.Get(key); cur != nil {
			actual, _ = decodeEtag(cur)
		}
		return &etagMismatch{Key: string(key), Expected: exp.Etag, Actual: actual}, nil
	}
	return nil, err
}

// isISAMKeyConflict reports whether err is an ISAM error caused by the state
// of the written key rather than by the engine itself.
func isISAMKeyConflict(err error) bool {
	var ie *isamError
	if !errors.As(err, &ie) {
		return false
	}
	switch ie.Code {
	case isamErrKeyDuplicate, isamErrWriteConflict, isamErrRecordNotFound:
		return true
	default:
		return false
	}
}

// docTx is a document-level transaction over a storage transaction.
type docTx struct {
	db   *DB
	stx  storageTx
	docs storageBucket
	meta storageBucket

	lastEtag    Etag
	etagLoaded  bool
	etagChanged bool
	written     bool
	closed      bool

	startTime time.Time
	stack     string
}

func (db *DB) beginTx(writable bool) (*docTx, error) {
	if writable {
		db.PendingWriterCount.Add(1)
	}
	stx, err := db.st.BeginTx(writable)
	if writable {
		db.PendingWriterCount.Add(-1)
	}
	if err != nil {
		return nil, storageErr("begin", "", err)
	}
	tx := &docTx{db: db, stx: stx}
	if writable {
		db.WriterCount.Add(1)
		db.WriteCount.Add(1)
		tx.docs, err = stx.CreateBucket(docsBucket)
		if err == nil {
			tx.meta, err = stx.CreateBucket(metaBucket)
		}
		if err != nil {
			stx.Rollback()
			db.WriterCount.Add(-1)
			return nil, storageErr("begin", "", err)
		}
	} else {
		db.ReaderCount.Add(1)
		db.ReadCount.Add(1)
		tx.docs = stx.Bucket(docsBucket)
		tx.meta = stx.Bucket(metaBucket)
	}
	db.addTx(tx)
	return tx, nil
}

func (tx *docTx) writable() bool {
	return tx.stx.Writable()
}

// lookup returns the etag and raw stored image of key, or a zero etag if
// the key is absent.
func (tx *docTx) lookup(key string) (Etag, []byte, error) {
	if tx.docs == nil {
		return NoEtag, nil, nil
	}
	raw := tx.docs.Get([]byte(key))
	if raw == nil {
		return NoEtag, nil, nil
	}
	etag, err := decodeEtag(raw)
	if err != nil {
		return NoEtag, nil, err
	}
	return etag, raw, nil
}

func (tx *docTx) load(key string) (*Document, error) {
	if tx.docs == nil {
		return nil, nil
	}
	raw := tx.docs.Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	var vle value
	if err := vle.decode(raw); err != nil {
		return nil, err
	}
	return vle.document(key)
}

func (tx *docTx) nextEtag() (Etag, error) {
	if !tx.etagLoaded {
		if raw := tx.meta.Get(lastEtagKey); raw != nil {
			if len(raw) != 8 {
				return NoEtag, dataErrf(raw, 0, nil, "invalid last etag")
			}
			tx.lastEtag = Etag(binary.BigEndian.Uint64(raw))
		}
		tx.etagLoaded = true
	}
	tx.lastEtag++
	tx.etagChanged = true
	return tx.lastEtag, nil
}

// write stores a document if exp holds for the current state of key. prev is
// the image returned by lookup, used by engines that compare record images.
func (tx *docTx) write(key string, exp expectation, prev, metadata, body []byte, now time.Time) (writeResult, error) {
	etag, err := tx.nextEtag()
	if err != nil {
		return writeResult{}, err
	}
	val := encodeValue(etag, metadata, body, now)
	mismatch, err := tx.db.writer.writeDoc(tx.docs, []byte(key), exp, prev, val)
	if err != nil {
		return writeResult{}, err
	}
	if mismatch != nil {
		tx.lastEtag--
		return writeResult{Mismatch: mismatch}, nil
	}
	tx.written = true
	return writeResult{Etag: etag}, nil
}

func (tx *docTx) scan(prefix string, skip, limit int) ([]*Document, error) {
	if tx.docs == nil {
		return nil, nil
	}
	var result []*Document
	c := tx.docs.Cursor()
	p := []byte(prefix)
	var k, v []byte
	if len(p) == 0 {
		k, v = c.First()
	} else {
		k, v = c.Seek(p)
	}
	for ; k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		if skip > 0 {
			skip--
			continue
		}
		var vle value
		if err := vle.decode(v); err != nil {
			return nil, err
		}
		doc, err := vle.document(string(k))
		if err != nil {
			return nil, err
		}
		result = append(result, doc)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (tx *docTx) count() int {
	if tx.docs == nil {
		return 0
	}
	return tx.docs.KeyCount()
}

func (tx *docTx) commit() error {
	if tx.closed {
		return errTxClosed
	}
	if tx.etagChanged && tx.written {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(tx.lastEtag))
		if err := tx.meta.Put(lastEtagKey, buf[:]); err != nil {
			tx.close()
			return err
		}
	}
	size := tx.stx.Size()
	err := tx.stx.Commit()
	tx.close()
	if err == nil && size > 0 {
		tx.db.lastSize.Store(size)
	}
	return err
}

func (tx *docTx) rollback() {
	if tx.closed {
		return
	}
	err := tx.stx.Rollback()
	if err != nil {
		tx.db.logger.Warn("db: rollback failed", "err", err)
	}
	tx.close()
}

func (tx *docTx) close() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable() {
		tx.db.WriterCount.Add(-1)
	} else {
		tx.db.ReaderCount.Add(-1)
	}
	if tx.stx != nil {
		// Bolt and ISAM both treat a rollback after commit as a no-op.
		tx.stx.Rollback()
	}
	tx.db.removeTx(tx)
}
