package docdb

import (
	"bytes"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/docdb/journal"
)

// isamErrCode mirrors the numeric error codes of ISAM table engines.
type isamErrCode int

const (
	isamErrKeyDuplicate   isamErrCode = -1605
	isamErrWriteConflict  isamErrCode = -1102
	isamErrRecordNotFound isamErrCode = -1601
	isamErrTableNotFound  isamErrCode = -1305
	isamErrTxReadOnly     isamErrCode = -1059
	isamErrClosed         isamErrCode = -1051
)

// isamError is the raw error raised by the ISAM engine. Msg is free text
// and, for key errors, contains the offending key.
type isamError struct {
	Code isamErrCode
	Msg  string
}

func (e *isamError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Msg, e.Code)
}

func isamErrf(code isamErrCode, format string, args ...any) error {
	return &isamError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

type isamOpKind uint8

const (
	isamOpCreateTable isamOpKind = iota + 1
	isamOpPut
	isamOpDelete
)

type isamOp struct {
	Kind  isamOpKind `msgpack:"k"`
	Table string     `msgpack:"t"`
	Key   []byte     `msgpack:"key,omitempty"`
	Value []byte     `msgpack:"v,omitempty"`
}

type isamTable struct {
	rows   map[string][]byte
	keys   []string
	sorted bool
}

func newISAMTable() *isamTable {
	return &isamTable{rows: make(map[string][]byte), sorted: true}
}

func (t *isamTable) sortedKeys() []string {
	if !t.sorted {
		t.keys = t.keys[:0]
		for k := range t.rows {
			t.keys = append(t.keys, k)
		}
		slices.Sort(t.keys)
		t.sorted = true
	}
	return t.keys
}

func (t *isamTable) apply(op *isamOp) {
	switch op.Kind {
	case isamOpPut:
		k := string(op.Key)
		if _, found := t.rows[k]; !found {
			t.sorted = false
		}
		t.rows[k] = op.Value
	case isamOpDelete:
		k := string(op.Key)
		if _, found := t.rows[k]; found {
			delete(t.rows, k)
			t.sorted = false
		}
	}
}

// isamStorage keeps tables in memory and makes committed transactions
// durable through a journal. Write transactions are serialized; each one
// holds writeMu from BeginTx until Commit or Rollback.
type isamStorage struct {
	writeMu sync.Mutex

	mu     sync.RWMutex
	tables map[string]*isamTable
	closed bool

	jrnl   *journal.Journal
	logger *slog.Logger
}

// openISAMStorage opens an ISAM store journaled under dir, or a transient
// one when dir is empty.
func openISAMStorage(dir string, opt Options) (storage, error) {
	s := &isamStorage{
		tables: make(map[string]*isamTable),
		logger: opt.Logger,
	}
	if dir == "" {
		return s, nil
	}

	j, err := journal.Open(dir, journal.Options{
		FileName:  "isam-*.wal",
		DebugName: "isam:" + dir,
		NoSync:    opt.IsTesting,
		Logger:    opt.Logger,
		Verbose:   opt.Verbose,
	}, s.replay)
	if err != nil {
		return nil, fmt.Errorf("isam: %w", err)
	}
	s.jrnl = j
	return s, nil
}

func (s *isamStorage) replay(data []byte) error {
	var ops []isamOp
	if err := msgpack.Unmarshal(data, &ops); err != nil {
		return err
	}
	s.applyOps(ops)
	return nil
}

func (s *isamStorage) applyOps(ops []isamOp) {
	for i := range ops {
		op := &ops[i]
		t := s.tables[op.Table]
		if t == nil {
			t = newISAMTable()
			s.tables[op.Table] = t
		}
		t.apply(op)
	}
}

func (s *isamStorage) BeginTx(writable bool) (storageTx, error) {
	if writable {
		s.writeMu.Lock()
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		if writable {
			s.writeMu.Unlock()
		}
		return nil, isamErrf(isamErrClosed, "Instance is shut down")
	}
	return &isamTx{s: s, writable: writable}, nil
}

func (s *isamStorage) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.tables = nil
	if s.jrnl != nil {
		return s.jrnl.Close()
	}
	return nil
}

type isamPending struct {
	value   []byte
	deleted bool
}

type isamTx struct {
	s        *isamStorage
	writable bool
	closed   bool

	ops       []isamOp
	pending   map[string]map[string]isamPending
	newTables map[string]bool
}

func (tx *isamTx) Writable() bool { return tx.writable }

func (tx *isamTx) tableExists(name string) bool {
	if tx.newTables[name] {
		return true
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.tables[name] != nil
}

func (tx *isamTx) Bucket(name string) storageBucket {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.tableExists(name) {
		return nil
	}
	return &isamBucket{tx: tx, table: name}
}

func (tx *isamTx) CreateBucket(name string) (storageBucket, error) {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return nil, isamErrf(isamErrTxReadOnly, "Transaction is read-only")
	}
	if !tx.tableExists(name) {
		if tx.newTables == nil {
			tx.newTables = make(map[string]bool)
		}
		tx.newTables[name] = true
		tx.ops = append(tx.ops, isamOp{Kind: isamOpCreateTable, Table: name})
	}
	return &isamBucket{tx: tx, table: name}, nil
}

func (tx *isamTx) Commit() error {
	if tx.closed {
		return errTxClosed
	}
	if !tx.writable {
		tx.close()
		return isamErrf(isamErrTxReadOnly, "Transaction is read-only")
	}
	defer tx.close()
	if len(tx.ops) == 0 {
		return nil
	}

	if tx.s.jrnl != nil {
		data, err := msgpack.Marshal(tx.ops)
		if err != nil {
			return err
		}
		if err := tx.s.jrnl.WriteRecord(data); err != nil {
			return err
		}
		if err := tx.s.jrnl.Commit(); err != nil {
			return err
		}
	}

	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	if tx.s.closed {
		return isamErrf(isamErrClosed, "Instance is shut down")
	}
	tx.s.applyOps(tx.ops)
	return nil
}

func (tx *isamTx) Rollback() error {
	tx.close()
	return nil
}

func (tx *isamTx) close() {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.ops = nil
	tx.pending = nil
	if tx.writable {
		tx.s.writeMu.Unlock()
	}
}

func (tx *isamTx) Size() int64 { return 0 }

func (tx *isamTx) record(op isamOp) {
	tx.ops = append(tx.ops, op)
	if tx.pending == nil {
		tx.pending = make(map[string]map[string]isamPending)
	}
	p := tx.pending[op.Table]
	if p == nil {
		p = make(map[string]isamPending)
		tx.pending[op.Table] = p
	}
	p[string(op.Key)] = isamPending{value: op.Value, deleted: op.Kind == isamOpDelete}
}

type isamBucket struct {
	tx    *isamTx
	table string
}

func (b *isamBucket) committed(key string) ([]byte, bool) {
	b.tx.s.mu.RLock()
	defer b.tx.s.mu.RUnlock()
	t := b.tx.s.tables[b.table]
	if t == nil {
		return nil, false
	}
	v, found := t.rows[key]
	return v, found
}

func (b *isamBucket) Get(key []byte) []byte {
	if p, found := b.tx.pending[b.table][string(key)]; found {
		if p.deleted {
			return nil
		}
		return p.value
	}
	v, _ := b.committed(string(key))
	return v
}

// Put inserts or replaces a record.
func (b *isamBucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return isamErrf(isamErrTxReadOnly, "Transaction is read-only")
	}
	b.tx.record(isamOp{Kind: isamOpPut, Table: b.table, Key: slices.Clone(key), Value: slices.Clone(value)})
	return nil
}

// Insert adds a new record and fails if the key is already present.
func (b *isamBucket) Insert(key, value []byte) error {
	if b.Get(key) != nil {
		return isamErrf(isamErrKeyDuplicate, "Illegal duplicate key %s", key)
	}
	return b.Put(key, value)
}

// Replace overwrites an existing record whose current image equals prev.
func (b *isamBucket) Replace(key, value, prev []byte) error {
	cur := b.Get(key)
	if cur == nil {
		return isamErrf(isamErrRecordNotFound, "No such record %s", key)
	}
	if !bytes.Equal(cur, prev) {
		return isamErrf(isamErrWriteConflict, "Write conflict on key %s", key)
	}
	return b.Put(key, value)
}

func (b *isamBucket) Delete(key []byte) error {
	if !b.tx.writable {
		return isamErrf(isamErrTxReadOnly, "Transaction is read-only")
	}
	b.tx.record(isamOp{Kind: isamOpDelete, Table: b.table, Key: slices.Clone(key)})
	return nil
}

func (b *isamBucket) KeyCount() int {
	b.tx.s.mu.RLock()
	n := 0
	t := b.tx.s.tables[b.table]
	if t != nil {
		n = len(t.rows)
	}
	b.tx.s.mu.RUnlock()

	for k, p := range b.tx.pending[b.table] {
		_, existed := b.committed(k)
		switch {
		case p.deleted && existed:
			n--
		case !p.deleted && !existed:
			n++
		}
	}
	return n
}

// Cursor iterates over a copy of the table merged with the pending writes
// of this transaction.
func (b *isamBucket) Cursor() storageCursor {
	var items []memKV
	b.tx.s.mu.Lock()
	if t := b.tx.s.tables[b.table]; t != nil {
		keys := t.sortedKeys()
		items = make([]memKV, 0, len(keys))
		for _, k := range keys {
			items = append(items, memKV{key: []byte(k), value: t.rows[k]})
		}
	}
	b.tx.s.mu.Unlock()

	if pending := b.tx.pending[b.table]; len(pending) > 0 {
		merged := make(map[string][]byte, len(items)+len(pending))
		for _, kv := range items {
			merged[string(kv.key)] = kv.value
		}
		for k, p := range pending {
			if p.deleted {
				delete(merged, k)
			} else {
				merged[k] = p.value
			}
		}
		items = items[:0]
		for k, v := range merged {
			items = append(items, memKV{key: []byte(k), value: v})
		}
		sort.Slice(items, func(i, j int) bool {
			return bytes.Compare(items[i].key, items[j].key) < 0
		})
	}
	return &memCursor{items: items, pos: -1}
}

type memKV struct {
	key   []byte
	value []byte
}

type memCursor struct {
	items []memKV
	pos   int
}

func (c *memCursor) First() ([]byte, []byte) {
	c.pos = 0
	return c.current()
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	c.pos = sort.Search(len(c.items), func(i int) bool {
		return bytes.Compare(c.items[i].key, seek) >= 0
	})
	return c.current()
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.pos < 0 {
		return c.First()
	}
	c.pos++
	return c.current()
}

func (c *memCursor) current() ([]byte, []byte) {
	if c.pos < 0 || c.pos >= len(c.items) {
		return nil, nil
	}
	kv := c.items[c.pos]
	return kv.key, kv.value
}
