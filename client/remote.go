package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/andreyvit/docdb"
	"github.com/andreyvit/docdb/wire"
)

// HTTPError is a failed response that does not carry a wire.Error, such as
// the bundle gate's rejection.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Remote talks to a database served by package server.
type Remote struct {
	baseURL  string
	database string
	http     *http.Client
	logger   *slog.Logger
}

type RemoteOption func(r *Remote)

func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) {
		r.http = c
	}
}

func WithLogger(l *slog.Logger) RemoteOption {
	return func(r *Remote) {
		r.logger = l
	}
}

func NewRemote(baseURL, database string, opts ...RemoteOption) *Remote {
	r := &Remote{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		database: database,
		http:     http.DefaultClient,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Remote) path(parts ...string) string {
	var buf strings.Builder
	buf.WriteString(r.baseURL)
	buf.WriteString("/databases/")
	buf.WriteString(url.PathEscape(r.database))
	for _, p := range parts {
		buf.WriteByte('/')
		buf.WriteString(p)
	}
	return buf.String()
}

func escapeKey(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func (r *Remote) do(ctx context.Context, method, u string, in, out any) error {
	return r.doWith(ctx, method, u, in, out, nil)
}

// doWith is do that also copies a wire.Error response into env.
func (r *Remote) doWith(ctx context.Context, method, u string, in, out any, env *wire.Error) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := wire.Encode(&buf, in); err != nil {
			return err
		}
		body = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", wire.ContentType)
	}
	req.Header.Set("Accept", wire.ContentType)

	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp, env)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return wire.Decode(resp.Body, out)
}

func decodeError(resp *http.Response, env *wire.Error) error {
	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, wire.ContentType):
		var we wire.Error
		if err := wire.Decode(resp.Body, &we); err != nil {
			return &HTTPError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		if env != nil {
			*env = we
		}
		return we.Err()
	case strings.HasPrefix(ct, "application/json"):
		var body struct{ Error string }
		if err := json.NewDecoder(io.LimitReader(resp.Body, wire.MaxBodySize)).Decode(&body); err == nil && body.Error != "" {
			return &HTTPError{StatusCode: resp.StatusCode, Message: body.Error}
		}
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}

func (r *Remote) Put(ctx context.Context, key string, expected docdb.Etag, body, metadata map[string]any) (docdb.Etag, error) {
	if key == "" {
		return docdb.NoEtag, docdb.ErrInvalidKey
	}
	var out wire.PutResponse
	err := r.do(ctx, http.MethodPut, r.path("docs", escapeKey(key)), wire.PutRequest{Expected: uint64(expected), Body: body, Metadata: metadata}, &out)
	if err != nil {
		return docdb.NoEtag, err
	}
	return docdb.Etag(out.Etag), nil
}

func (r *Remote) Get(ctx context.Context, key string) (*docdb.Document, error) {
	if key == "" {
		return nil, docdb.ErrInvalidKey
	}
	var out wire.Document
	if err := r.do(ctx, http.MethodGet, r.path("docs", escapeKey(key)), nil, &out); err != nil {
		return nil, err
	}
	return out.Document(), nil
}

func (r *Remote) BulkInsert(ctx context.Context, opt docdb.BulkInsertOptions) (BulkInserter, error) {
	var out wire.OpenResponse
	if err := r.do(ctx, http.MethodPost, r.path("bulk_insert"), wire.FromOptions(opt), &out); err != nil {
		return nil, err
	}
	batchSize := opt.BatchSize
	if batchSize <= 0 {
		batchSize = docdb.DefaultBatchSize
	}
	return &RemoteBulkInsert{
		r:         r,
		id:        out.ID,
		batchSize: batchSize,
		buf:       make([]wire.Write, 0, batchSize),
	}, nil
}

func (r *Remote) Close() error {
	r.http.CloseIdleConnections()
	return nil
}

// RemoteBulkInsert is a bulk insert session on a server. Documents are sent
// in chunks of BatchSize.
type RemoteBulkInsert struct {
	r         *Remote
	id        string
	batchSize int

	mu       sync.Mutex
	buf      []wire.Write
	err      error
	closed   bool
	closeErr error
	stats    docdb.BulkInsertStats
	results  []*docdb.CommitResult
}

func (b *RemoteBulkInsert) ID() string {
	return b.id
}

func (b *RemoteBulkInsert) Store(ctx context.Context, key string, body, metadata map[string]any) error {
	if key == "" {
		return docdb.ErrInvalidKey
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: store after close", docdb.ErrInvalidState)
	}
	if b.err != nil {
		return b.err
	}
	b.buf = append(b.buf, wire.Write{Key: key, Body: body, Metadata: metadata})
	if len(b.buf) < b.batchSize {
		return nil
	}
	return b.send(ctx)
}

func (b *RemoteBulkInsert) send(ctx context.Context) error {
	chunk := wire.Chunk{Writes: b.buf}
	err := b.r.do(ctx, http.MethodPost, b.r.path("bulk_insert", b.id), chunk, nil)
	if err != nil {
		// the server may have stored part of the chunk
		b.err = err
		b.buf = nil
		return err
	}
	b.buf = make([]wire.Write, 0, b.batchSize)
	return nil
}

func (b *RemoteBulkInsert) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return b.closeErr
	}
	b.closed = true

	ctx := context.Background()
	if b.err == nil && len(b.buf) > 0 {
		// a failure here is reported by the close request below
		b.send(ctx)
	}
	b.buf = nil

	var out wire.CloseResponse
	var env wire.Error
	err := b.r.doWith(ctx, http.MethodPost, b.r.path("bulk_insert", b.id, "close"), nil, &out, &env)
	if err != nil {
		if env.Close != nil {
			b.fill(ctx, env.Close)
		}
		b.closeErr = err
		return err
	}
	b.fill(ctx, &out)
	b.closeErr = b.err
	return b.closeErr
}

func (b *RemoteBulkInsert) fill(ctx context.Context, out *wire.CloseResponse) {
	b.stats = out.Stats.Stats()
	for _, br := range out.Batches {
		res, err := br.Result()
		if err != nil {
			b.r.logger.LogAttrs(ctx, slog.LevelWarn, "client: bad batch result", slog.String("session", b.id), slog.Any("err", err))
			continue
		}
		b.results = append(b.results, res)
	}
}

func (b *RemoteBulkInsert) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.buf = nil
	if b.err != nil {
		b.closeErr = b.err
	} else {
		b.closeErr = docdb.ErrAborted
	}

	err := b.r.do(context.Background(), http.MethodDelete, b.r.path("bulk_insert", b.id), nil, nil)
	if err != nil && !errors.Is(err, wire.ErrUnknownSession) {
		b.r.logger.LogAttrs(context.Background(), slog.LevelWarn, "client: abort failed", slog.String("session", b.id), slog.Any("err", err))
	}
}

func (b *RemoteBulkInsert) Stats() docdb.BulkInsertStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Results returns the per-batch results reported by Close, including those
// committed before a session failed.
func (b *RemoteBulkInsert) Results() []*docdb.CommitResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.results
}
