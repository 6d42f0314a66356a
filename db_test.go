package docdb

import (
	"errors"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testEngine struct {
	name string
	kind EngineKind
	// transient engines have no files and lose data on Close
	transient bool
}

var testEngines = []testEngine{
	{name: "cow", kind: EngineCOW},
	{name: "isam", kind: EngineISAM},
	{name: "isam-mem", kind: EngineISAM, transient: true},
}

var testNow = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func eachEngine(t *testing.T, f func(t *testing.T, e testEngine)) {
	for _, e := range testEngines {
		t.Run(e.name, func(t *testing.T) {
			f(t, e)
		})
	}
}

func (e testEngine) path(t testing.TB) string {
	switch {
	case e.transient:
		return ""
	case e.kind == EngineCOW:
		return filepath.Join(t.TempDir(), "test.db")
	default:
		return t.TempDir()
	}
}

func (e testEngine) open(t testing.TB, path string, opt Options) *DB {
	t.Helper()
	opt.Engine = e.kind
	opt.IsTesting = true
	if opt.Name == "" {
		opt.Name = "test"
	}
	if opt.Now == nil {
		opt.Now = func() time.Time { return testNow }
	}
	db := must(Open(path, opt))
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func (e testEngine) setup(t testing.TB, opt Options) *DB {
	t.Helper()
	return e.open(t, e.path(t), opt)
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}

func isnonnil[T any](t testing.TB, a *T) {
	if a == nil {
		t.Helper()
		t.Errorf("** got nil %T, wanted non-nil", a)
	}
}

func errIs(t testing.TB, err, target error) {
	if !errors.Is(err, target) {
		t.Helper()
		t.Errorf("** got error %v, wanted %v", err, target)
	}
}

func asConflict(t testing.TB, err error) *ConcurrencyError {
	t.Helper()
	var ce *ConcurrencyError
	if !errors.As(err, &ce) {
		t.Fatalf("** got error %T %v, wanted *ConcurrencyError", err, err)
	}
	return ce
}

func body(name string) map[string]any {
	return map[string]any{"name": name}
}

func TestDB_PutGet(t *testing.T) {
	eachEngine(t, func(t *testing.T, e testEngine) {
		db := e.setup(t, Options{})

		etag1 := must(db.Put("foos/1", NoEtag, body("first"), map[string]any{"Raven-Entity-Name": "Foos"}))
		if etag1.IsZero() {
			t.Fatalf("etag1 is zero")
		}

		doc := must(db.Get("foos/1"))
		deepEqual(t, doc.Key, "foos/1")
		deepEqual(t, doc.Etag, etag1)
		deepEqual(t, doc.Body, body("first"))
		deepEqual(t, doc.Metadata, map[string]any{"Raven-Entity-Name": "Foos"})
		if !doc.LastModified.Equal(testNow) {
			t.Errorf("** LastModified = %v, wanted %v", doc.LastModified, testNow)
		}

		etag2 := must(db.Put("foos/1", NoEtag, body("second"), nil))
		if etag2 <= etag1 {
			t.Errorf("** etag2 = %v, wanted > %v", etag2, etag1)
		}
		deepEqual(t, must(db.Etag("foos/1")), etag2)
		deepEqual(t, must(db.Get("foos/1")).Metadata, map[string]any{})

		etag3 := must(db.Put("foos/1", etag2, body("third"), nil))
		deepEqual(t, must(db.Get("foos/1")).Body, body("third"))

		_, err := db.Put("foos/1", etag2, body("stale"), nil)
		ce := asConflict(t, err)
		deepEqual(t, ce.Key, "foos/1")
		deepEqual(t, ce.Expected, etag2)
		deepEqual(t, ce.Actual, etag3)
		deepEqual(t, must(db.Get("foos/1")).Body, body("third"))

		_, err = db.Put("foos/2", etag2, body("missing"), nil)
		ce = asConflict(t, err)
		deepEqual(t, ce.Actual, NoEtag)

		_, err = db.Get("foos/2")
		errIs(t, err, ErrNotFound)
		deepEqual(t, must(db.Etag("foos/2")), NoEtag)

		_, err = db.Put("", NoEtag, body("x"), nil)
		errIs(t, err, ErrInvalidKey)
	})
}

func TestDB_emptyGet(t *testing.T) {
	eachEngine(t, func(t *testing.T, e testEngine) {
		db := e.setup(t, Options{})
		_, err := db.Get("nothing")
		errIs(t, err, ErrNotFound)
		deepEqual(t, len(must(db.Scan("", 0, 0))), 0)
		deepEqual(t, must(db.Stats()).Documents, 0)
	})
}

func TestDB_Scan(t *testing.T) {
	eachEngine(t, func(t *testing.T, e testEngine) {
		db := e.setup(t, Options{})
		for _, k := range []string{"foos/3", "bars/1", "foos/1", "foos/2", "fooz/1"} {
			must(db.Put(k, NoEtag, body(k), nil))
		}

		keys := func(docs []*Document) string {
			var ks []string
			for _, d := range docs {
				ks = append(ks, d.Key)
			}
			return strings.Join(ks, " ")
		}
		deepEqual(t, keys(must(db.Scan("foos/", 0, 0))), "foos/1 foos/2 foos/3")
		deepEqual(t, keys(must(db.Scan("foos/", 1, 0))), "foos/2 foos/3")
		deepEqual(t, keys(must(db.Scan("foos/", 1, 1))), "foos/2")
		deepEqual(t, keys(must(db.Scan("", 0, 2))), "bars/1 foos/1")
		deepEqual(t, keys(must(db.Scan("x", 0, 0))), "")
		deepEqual(t, must(db.Scan("bars/", 0, 0))[0].Body, body("bars/1"))
	})
}

func TestDB_reopen(t *testing.T) {
	for _, e := range testEngines {
		if e.transient {
			continue
		}
		t.Run(e.name, func(t *testing.T) {
			path := e.path(t)
			db := e.open(t, path, Options{})
			etag1 := must(db.Put("foos/1", NoEtag, body("a"), nil))
			must(db.Put("foos/2", NoEtag, body("b"), nil))
			ensure(db.Close())

			db = e.open(t, path, Options{})
			doc := must(db.Get("foos/1"))
			deepEqual(t, doc.Etag, etag1)
			deepEqual(t, doc.Body, body("a"))
			deepEqual(t, must(db.Stats()).Documents, 2)

			// the etag counter survives the restart
			etag3 := must(db.Put("foos/3", NoEtag, body("c"), nil))
			deepEqual(t, etag3, etag1+2)
		})
	}
}

func TestDB_closed(t *testing.T) {
	eachEngine(t, func(t *testing.T, e testEngine) {
		db := e.setup(t, Options{})
		ensure(db.Close())
		ensure(db.Close())

		_, err := db.Put("foos/1", NoEtag, body("a"), nil)
		errIs(t, err, ErrClosed)
		_, err = db.Get("foos/1")
		errIs(t, err, ErrClosed)
		_, err = db.BulkInsert(BulkInsertOptions{})
		errIs(t, err, ErrClosed)
	})
}

func TestDB_Stats(t *testing.T) {
	eachEngine(t, func(t *testing.T, e testEngine) {
		db := e.setup(t, Options{})
		must(db.Put("a", NoEtag, body("a"), nil))
		must(db.Put("b", NoEtag, body("b"), nil))
		must(db.Put("a", NoEtag, body("a2"), nil))

		st := must(db.Stats())
		deepEqual(t, st.Engine, e.kind)
		deepEqual(t, st.Documents, 2)
		deepEqual(t, st.Writes, uint64(3))
		deepEqual(t, st.Readers, int64(0))
		deepEqual(t, st.Writers, int64(0))
	})
}

func TestDB_DescribeOpenTxns(t *testing.T) {
	eachEngine(t, func(t *testing.T, e testEngine) {
		db := e.setup(t, Options{})
		deepEqual(t, db.DescribeOpenTxns(), "NO OPEN TRANSACTIONS")

		tx := must(db.beginTx(false))
		s := db.DescribeOpenTxns()
		if !strings.HasPrefix(s, "1 OPEN TRANSACTIONS:") {
			t.Errorf("** DescribeOpenTxns = %q", s)
		}
		tx.rollback()
		tx.rollback()
		deepEqual(t, db.DescribeOpenTxns(), "NO OPEN TRANSACTIONS")
	})
}

func TestDB_DescribeOpenTxns_verboseStack(t *testing.T) {
	if !trackTxns {
		t.Skip("open tx tracking disabled")
	}
	db := testEngines[0].setup(t, Options{Verbose: true})
	tx := must(db.beginTx(false))
	defer tx.rollback()
	time.Sleep(120 * time.Millisecond)

	s := db.DescribeOpenTxns()
	if !strings.Contains(s, "beginTx") {
		t.Errorf("** DescribeOpenTxns = %q, wanted the stack of beginTx", s)
	}
}

func TestDB_Dump(t *testing.T) {
	eachEngine(t, func(t *testing.T, e testEngine) {
		db := e.setup(t, Options{})
		must(db.Put("foos/1", NoEtag, body("a"), map[string]any{"m": "x"}))
		must(db.Put("foos/2", NoEtag, body("b"), nil))

		s := must(db.Dump(DumpRows))
		deepEqual(t, s, "foos/1 @0000000000000001: {\"name\":\"a\"} meta={\"m\":\"x\"}\n"+
			"foos/2 @0000000000000002: {\"name\":\"b\"}\n")

		s = must(db.Dump(DumpAll))
		if !strings.Contains(s, "test ("+string(e.kind)+", 2 docs)") || !strings.Contains(s, "meta.last_etag = 0000000000000002") {
			t.Errorf("** Dump = %q", s)
		}
	})
}

func TestOpen_invalid(t *testing.T) {
	_, err := Open("", Options{Engine: EngineCOW})
	if err == nil {
		t.Errorf("** opening a cow database without a path succeeded")
	}
	_, err = Open(t.TempDir(), Options{Engine: "nope"})
	if err == nil {
		t.Errorf("** opening an unknown engine succeeded")
	}
}

func TestParseEngineKind(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want EngineKind
	}{
		{"cow", EngineCOW},
		{"BBolt", EngineCOW},
		{"isam", EngineISAM},
	} {
		deepEqual(t, must(ParseEngineKind(tc.in)), tc.want)
	}
	if _, err := ParseEngineKind("esent"); err == nil {
		t.Errorf("** ParseEngineKind(esent) succeeded")
	}
}

func TestParseAtomicityMode(t *testing.T) {
	deepEqual(t, must(ParseAtomicityMode("")), RollbackBatch)
	deepEqual(t, must(ParseAtomicityMode("commit_prefix")), CommitPrefix)
	deepEqual(t, must(ParseAtomicityMode(RollbackBatch.String())), RollbackBatch)
	if _, err := ParseAtomicityMode("sometimes"); err == nil {
		t.Errorf("** ParseAtomicityMode(sometimes) succeeded")
	}
}
