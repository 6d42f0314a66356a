package docdb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpHeader = DumpFlags(1 << iota)
	DumpRows
	DumpMeta

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the database contents for debugging and tests.
func (db *DB) Dump(f DumpFlags) (string, error) {
	if db.closed.Load() {
		return "", ErrClosed
	}
	tx, err := db.beginTx(false)
	if err != nil {
		return "", err
	}
	defer tx.rollback()

	var buf strings.Builder
	if f.Contains(DumpHeader) {
		fmt.Fprintln(&buf, dumpSep1)
		fmt.Fprintf(&buf, "%s (%s, %d docs)\n", db.name, db.kind, tx.count())
	}
	if f.Contains(DumpMeta) && tx.meta != nil {
		fmt.Fprintln(&buf, dumpSep2)
		if raw := tx.meta.Get(lastEtagKey); len(raw) == 8 {
			fmt.Fprintf(&buf, "meta.last_etag = %v\n", Etag(binary.BigEndian.Uint64(raw)))
		}
	}
	if f.Contains(DumpRows) && tx.docs != nil {
		if f.Contains(DumpHeader) || f.Contains(DumpMeta) {
			fmt.Fprintln(&buf, dumpSep2)
		}
		c := tx.docs.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			dumpRow(&buf, k, v)
		}
	}
	return buf.String(), nil
}

func dumpRow(w *strings.Builder, k, v []byte) {
	var vle value
	if err := vle.decode(v); err != nil {
		fmt.Fprintf(w, "%s: ERROR: %v\n", k, err)
		return
	}
	doc, err := vle.document(string(k))
	if err != nil {
		fmt.Fprintf(w, "%s @%v: ERROR: %v\n", k, vle.Etag, err)
		return
	}
	fmt.Fprintf(w, "%s @%v: %s", k, doc.Etag, loggableMap(doc.Body))
	if len(doc.Metadata) > 0 {
		fmt.Fprintf(w, " meta=%s", loggableMap(doc.Metadata))
	}
	fmt.Fprintln(w)
}

func loggableMap(m map[string]any) string {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}
