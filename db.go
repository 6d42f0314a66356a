package docdb

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const trackTxns = true

type DB struct {
	name      string
	kind      EngineKind
	st        storage
	writer    engineWriter
	atomicity AtomicityMode
	logger    *slog.Logger
	verbose   bool
	now       func() time.Time
	onBatch   func(BatchEvent)

	closed     atomic.Bool
	sessionSeq atomic.Uint64
	// sessionsMu orders sessions.Add against Close setting closed.
	sessionsMu sync.Mutex
	sessions   sync.WaitGroup
	lastSize   atomic.Int64

	ReaderCount        atomic.Int64
	WriterCount        atomic.Int64
	PendingWriterCount atomic.Int64
	ReadCount          atomic.Uint64
	WriteCount         atomic.Uint64

	txns     []*docTx
	txnsLock sync.Mutex
}

type Options struct {
	// Name identifies the database in logs and metrics.
	Name string

	Engine    EngineKind
	Atomicity AtomicityMode

	Logger  *slog.Logger
	Verbose bool

	// IsTesting trades durability for speed.
	IsTesting bool
	MmapSize  int

	Now func() time.Time

	// OnBatchCommitted is called after every bulk insert batch reaches a
	// terminal state, from the session's committer goroutine.
	OnBatchCommitted func(BatchEvent)
}

// BatchEvent describes a finished bulk insert batch.
type BatchEvent struct {
	Database string
	Session  uint64
	Result   *CommitResult
	Err      error
	Duration time.Duration
}

// Open opens a database. For EngineCOW, path is the Bolt file. For
// EngineISAM, path is the journal directory; an empty path gives a transient
// in-memory database.
func Open(path string, opt Options) (*DB, error) {
	if opt.Engine == "" {
		opt.Engine = EngineCOW
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Name == "" {
		opt.Name = path
	}

	var st storage
	var writer engineWriter
	var err error
	switch opt.Engine {
	case EngineCOW:
		if path == "" {
			return nil, fmt.Errorf("docdb: %s engine requires a file path", opt.Engine)
		}
		st, err = openBoltStorage(path, opt)
		writer = cowWriter{}
	case EngineISAM:
		st, err = openISAMStorage(path, opt)
		writer = isamWriter{}
	default:
		return nil, fmt.Errorf("docdb: unknown engine %q", opt.Engine)
	}
	if err != nil {
		return nil, fmt.Errorf("docdb: %w", err)
	}

	db := &DB{
		name:      opt.Name,
		kind:      opt.Engine,
		st:        st,
		writer:    writer,
		atomicity: opt.Atomicity,
		logger:    opt.Logger,
		verbose:   opt.Verbose,
		now:       opt.Now,
		onBatch:   opt.OnBatchCommitted,
	}
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "db: opened", slog.String("db", db.name), slog.String("engine", string(db.kind)), slog.String("atomicity", db.atomicity.String()))
	}
	return db, nil
}

func (db *DB) Name() string {
	return db.name
}

func (db *DB) Engine() EngineKind {
	return db.kind
}

func (db *DB) Atomicity() AtomicityMode {
	return db.atomicity
}

func (db *DB) Size() int64 {
	return db.lastSize.Load()
}

// Close waits for open bulk insert sessions to be closed and then closes
// the storage.
func (db *DB) Close() error {
	db.sessionsMu.Lock()
	first := db.closed.CompareAndSwap(false, true)
	db.sessionsMu.Unlock()
	if !first {
		return nil
	}
	db.sessions.Wait()
	err := db.st.Close()
	if err != nil {
		return fmt.Errorf("docdb: closing: %w", err)
	}
	return nil
}

// Put writes a single document. A non-zero expected etag must match the
// stored one; a zero etag writes unconditionally.
func (db *DB) Put(key string, expected Etag, body, metadata map[string]any) (Etag, error) {
	if key == "" {
		return NoEtag, ErrInvalidKey
	}
	if db.closed.Load() {
		return NoEtag, ErrClosed
	}
	metaRaw, err := encodeMap(metadata)
	if err != nil {
		return NoEtag, fmt.Errorf("%s: encoding metadata: %w", key, err)
	}
	bodyRaw, err := encodeMap(body)
	if err != nil {
		return NoEtag, fmt.Errorf("%s: encoding body: %w", key, err)
	}

	tx, err := db.beginTx(true)
	if err != nil {
		return NoEtag, err
	}
	defer tx.rollback()

	actual, prev, err := tx.lookup(key)
	if err != nil {
		return NoEtag, storageErr("lookup", key, err)
	}
	exp := expectation{Any: true}
	if !expected.IsZero() {
		exp = expectation{Etag: expected}
	}
	if !exp.satisfiedBy(actual) {
		return NoEtag, etagConflict(key, expected, actual)
	}
	res, err := tx.write(key, exp, prev, metaRaw, bodyRaw, db.now())
	if err != nil {
		return NoEtag, storageErr("put", key, err)
	}
	if res.Mismatch != nil {
		return NoEtag, res.Mismatch.conflict()
	}
	if err := tx.commit(); err != nil {
		return NoEtag, storageErr("commit", key, err)
	}
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "db: PUT", slog.String("db", db.name), slog.String("key", key), slog.String("etag", res.Etag.String()))
	}
	return res.Etag, nil
}

func (db *DB) Get(key string) (*Document, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	if db.closed.Load() {
		return nil, ErrClosed
	}
	tx, err := db.beginTx(false)
	if err != nil {
		return nil, err
	}
	defer tx.rollback()
	doc, err := tx.load(key)
	if err != nil {
		return nil, storageErr("get", key, err)
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	return doc, nil
}

// Etag returns the current etag of key, or NoEtag if it doesn't exist.
func (db *DB) Etag(key string) (Etag, error) {
	if db.closed.Load() {
		return NoEtag, ErrClosed
	}
	tx, err := db.beginTx(false)
	if err != nil {
		return NoEtag, err
	}
	defer tx.rollback()
	etag, _, err := tx.lookup(key)
	if err != nil {
		return NoEtag, storageErr("lookup", key, err)
	}
	return etag, nil
}

// Scan returns documents whose keys start with prefix, in key order.
// limit <= 0 means no limit.
func (db *DB) Scan(prefix string, skip, limit int) ([]*Document, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	tx, err := db.beginTx(false)
	if err != nil {
		return nil, err
	}
	defer tx.rollback()
	docs, err := tx.scan(prefix, skip, limit)
	if err != nil {
		return nil, storageErr("scan", prefix, err)
	}
	return docs, nil
}

type Stats struct {
	Engine    EngineKind
	Documents int
	Size      int64
	Readers   int64
	Writers   int64
	Reads     uint64
	Writes    uint64
}

func (db *DB) Stats() (Stats, error) {
	if db.closed.Load() {
		return Stats{}, ErrClosed
	}
	tx, err := db.beginTx(false)
	if err != nil {
		return Stats{}, err
	}
	n := tx.count()
	tx.rollback()
	return Stats{
		Engine:    db.kind,
		Documents: n,
		Size:      db.lastSize.Load(),
		Readers:   db.ReaderCount.Load(),
		Writers:   db.WriterCount.Load(),
		Reads:     db.ReadCount.Load(),
		Writes:    db.WriteCount.Load(),
	}, nil
}

func (db *DB) addTx(tx *docTx) {
	if !trackTxns {
		return
	}
	tx.startTime = time.Now()
	if db.verbose {
		tx.stack = string(debugStack())
	}
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, tx)
}

func (db *DB) removeTx(tx *docTx) {
	if !trackTxns {
		return
	}
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := -1
	for i, t := range db.txns {
		if t == tx {
			found = i
			break
		}
	}
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *docTx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 || tx.stack == "" {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms\n", ms)
		} else {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms:\n%s", ms, tx.stack)
		}
	}

	return buf.String()
}
