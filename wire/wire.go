// Package wire defines the msgpack messages exchanged between the remote
// client and the server.
//
// Every request and response body is a single msgpack value. Failed
// requests carry an Error instead of the regular response, which the client
// turns back into the same Go error the embedded path returns.
package wire

import (
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const ContentType = "application/msgpack"

// MaxBodySize bounds a single request or response body.
const MaxBodySize = 64 << 20

type BulkInsertOptions struct {
	CheckForUpdates          bool `msgpack:"check_for_updates"`
	BatchSize                int  `msgpack:"batch_size,omitempty"`
	SkipOverwriteIfUnchanged bool `msgpack:"skip_unchanged,omitempty"`
	MaxInFlightBatches       int  `msgpack:"max_in_flight,omitempty"`
}

type OpenResponse struct {
	ID string `msgpack:"id"`
}

type Write struct {
	Key      string         `msgpack:"k"`
	Body     map[string]any `msgpack:"b"`
	Metadata map[string]any `msgpack:"m,omitempty"`
}

// Chunk is a group of documents sent to an open bulk insert session. It is
// not a transaction boundary; the server batches documents by BatchSize.
type Chunk struct {
	Writes []Write `msgpack:"w"`
}

type ChunkResponse struct {
	Accepted int    `msgpack:"accepted"`
	State    string `msgpack:"state"`
}

type Outcome struct {
	Key    string `msgpack:"k"`
	Status string `msgpack:"s"`
	Etag   uint64 `msgpack:"e,omitempty"`
}

type BatchResult struct {
	Batch     int       `msgpack:"batch"`
	Committed bool      `msgpack:"committed"`
	Outcomes  []Outcome `msgpack:"outcomes"`
}

type Stats struct {
	Documents int `msgpack:"documents"`
	Batches   int `msgpack:"batches"`
	Created   int `msgpack:"created"`
	Updated   int `msgpack:"updated"`
	Unchanged int `msgpack:"unchanged"`
	Conflicts int `msgpack:"conflicts"`
}

// CloseResponse is returned by a successful close. A session that ended
// with an error answers the close request with that Error, which carries
// the CloseResponse in its Close field.
type CloseResponse struct {
	Stats   Stats         `msgpack:"stats"`
	Batches []BatchResult `msgpack:"batches,omitempty"`
}

type PutRequest struct {
	Expected uint64         `msgpack:"expected,omitempty"`
	Body     map[string]any `msgpack:"b"`
	Metadata map[string]any `msgpack:"m,omitempty"`
}

type PutResponse struct {
	Etag uint64 `msgpack:"etag"`
}

type Document struct {
	Key          string         `msgpack:"k"`
	Etag         uint64         `msgpack:"e"`
	LastModified time.Time      `msgpack:"t"`
	Metadata     map[string]any `msgpack:"m"`
	Body         map[string]any `msgpack:"b"`
}

func Encode(w io.Writer, v any) error {
	enc := msgpack.NewEncoder(w)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("wire: encoding %T: %w", v, err)
	}
	return nil
}

func Decode(r io.Reader, v any) error {
	dec := msgpack.NewDecoder(io.LimitReader(r, MaxBodySize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("wire: decoding %T: %w", v, err)
	}
	return nil
}
