package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/docdb"
	"github.com/andreyvit/docdb/wire"
)

func newTestServer(t *testing.T, tenants ...TenantConfig) (*Server, *httptest.Server) {
	t.Helper()
	if len(tenants) == 0 {
		tenants = []TenantConfig{
			{Name: "main", Engine: docdb.EngineISAM, ActiveBundles: AllBundles},
			{Name: "plain", Engine: docdb.EngineISAM},
		}
	}
	srv, err := New(Options{Tenants: tenants, DataDir: t.TempDir(), IsTesting: true})
	require.NoError(t, err)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		hs.Close()
		require.NoError(t, srv.Close())
	})
	return srv, hs
}

func call(t *testing.T, hs *httptest.Server, method, path string, in, out any) (int, *wire.Error) {
	t.Helper()
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		require.NoError(t, wire.Encode(&buf, in))
		body = &buf
	}
	req, err := http.NewRequest(method, hs.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", wire.ContentType)
	resp, err := hs.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var we wire.Error
		require.NoError(t, wire.Decode(resp.Body, &we))
		return resp.StatusCode, &we
	}
	if out != nil {
		require.NoError(t, wire.Decode(resp.Body, out))
	}
	return resp.StatusCode, nil
}

func TestServer_putGet(t *testing.T) {
	_, hs := newTestServer(t)

	var put wire.PutResponse
	code, werr := call(t, hs, "PUT", "/databases/main/docs/foos/1", wire.PutRequest{Body: map[string]any{"name": "x"}}, &put)
	require.Nil(t, werr)
	assert.Equal(t, http.StatusOK, code)
	assert.NotZero(t, put.Etag)

	var doc wire.Document
	_, werr = call(t, hs, "GET", "/databases/main/docs/foos/1", nil, &doc)
	require.Nil(t, werr)
	assert.Equal(t, "foos/1", doc.Key)
	assert.Equal(t, put.Etag, doc.Etag)
	assert.Equal(t, map[string]any{"name": "x"}, doc.Body)

	code, werr = call(t, hs, "PUT", "/databases/main/docs/foos/1", wire.PutRequest{Expected: put.Etag + 1, Body: map[string]any{}}, nil)
	assert.Equal(t, http.StatusConflict, code)
	require.NotNil(t, werr)
	assert.Equal(t, wire.KindConflict, werr.Kind)
	assert.Equal(t, "foos/1", werr.Key)

	code, werr = call(t, hs, "GET", "/databases/main/docs/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, wire.KindNotFound, werr.Kind)

	code, werr = call(t, hs, "GET", "/databases/other/docs/foos/1", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, wire.KindUnknownDB, werr.Kind)
}

func TestServer_bulkInsert(t *testing.T) {
	srv, hs := newTestServer(t)

	var open wire.OpenResponse
	code, werr := call(t, hs, "POST", "/databases/main/bulk_insert", wire.BulkInsertOptions{BatchSize: 2}, &open)
	require.Nil(t, werr)
	assert.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, open.ID)
	assert.Equal(t, 1, srv.sessions.len())

	chunk := wire.Chunk{Writes: []wire.Write{
		{Key: "foos/1", Body: map[string]any{"n": "1"}},
		{Key: "foos/2", Body: map[string]any{"n": "2"}},
		{Key: "foos/3", Body: map[string]any{"n": "3"}},
	}}
	var cr wire.ChunkResponse
	_, werr = call(t, hs, "POST", "/databases/main/bulk_insert/"+open.ID, chunk, &cr)
	require.Nil(t, werr)
	assert.Equal(t, 3, cr.Accepted)

	var closed wire.CloseResponse
	_, werr = call(t, hs, "POST", "/databases/main/bulk_insert/"+open.ID+"/close", nil, &closed)
	require.Nil(t, werr)
	assert.Equal(t, 3, closed.Stats.Created)
	assert.Len(t, closed.Batches, 2)
	assert.Equal(t, 0, srv.sessions.len())

	db, err := srv.Landlord().DB("main")
	require.NoError(t, err)
	doc, err := db.Get("foos/3")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": "3"}, doc.Body)

	code, werr = call(t, hs, "POST", "/databases/main/bulk_insert/"+open.ID, chunk, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, wire.KindUnknownSession, werr.Kind)
}

func TestServer_bulkInsertConflict(t *testing.T) {
	_, hs := newTestServer(t)
	_, werr := call(t, hs, "PUT", "/databases/main/docs/foos/1", wire.PutRequest{Body: map[string]any{}}, nil)
	require.Nil(t, werr)

	var open wire.OpenResponse
	_, werr = call(t, hs, "POST", "/databases/main/bulk_insert", wire.BulkInsertOptions{}, &open)
	require.Nil(t, werr)
	_, werr = call(t, hs, "POST", "/databases/main/bulk_insert/"+open.ID, wire.Chunk{Writes: []wire.Write{{Key: "foos/1", Body: map[string]any{}}}}, nil)
	require.Nil(t, werr)

	code, werr := call(t, hs, "POST", "/databases/main/bulk_insert/"+open.ID+"/close", nil, nil)
	assert.Equal(t, http.StatusConflict, code)
	require.NotNil(t, werr)
	assert.Equal(t, wire.KindConflict, werr.Kind)
	assert.Equal(t, "foos/1", werr.Key)
	assert.Contains(t, werr.Message, "foos/1")
}

func TestServer_bulkInsertAbort(t *testing.T) {
	srv, hs := newTestServer(t)
	var open wire.OpenResponse
	_, werr := call(t, hs, "POST", "/databases/main/bulk_insert", wire.BulkInsertOptions{}, &open)
	require.Nil(t, werr)
	_, werr = call(t, hs, "POST", "/databases/main/bulk_insert/"+open.ID, wire.Chunk{Writes: []wire.Write{{Key: "a", Body: map[string]any{}}}}, nil)
	require.Nil(t, werr)

	code, werr := call(t, hs, "DELETE", "/databases/main/bulk_insert/"+open.ID, nil, nil)
	require.Nil(t, werr)
	assert.Equal(t, http.StatusNoContent, code)

	db, err := srv.Landlord().DB("main")
	require.NoError(t, err)
	_, err = db.Get("a")
	assert.ErrorIs(t, err, docdb.ErrNotFound)
}

func TestServer_sessionsBelongToTheirDatabase(t *testing.T) {
	_, hs := newTestServer(t,
		TenantConfig{Name: "a", Engine: docdb.EngineISAM, ActiveBundles: AllBundles},
		TenantConfig{Name: "b", Engine: docdb.EngineISAM, ActiveBundles: AllBundles},
	)
	var open wire.OpenResponse
	_, werr := call(t, hs, "POST", "/databases/a/bulk_insert", wire.BulkInsertOptions{}, &open)
	require.Nil(t, werr)
	code, _ := call(t, hs, "POST", "/databases/b/bulk_insert/"+open.ID+"/close", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServer_bundleGate(t *testing.T) {
	srv, hs := newTestServer(t)

	for _, path := range []string{
		"/databases/plain/bulk_insert",
		"/databases/plain/bulk_insert/123",
		"/databases/nope/bulk_insert",
	} {
		t.Run(path, func(t *testing.T) {
			resp, err := hs.Client().Post(hs.URL+path, wire.ContentType, strings.NewReader(""))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, map[string]string{"Error": "Could not figure out what to do"}, body)
		})
	}

	// the gate runs before the database is touched
	srv.landlord.mu.Lock()
	_, opened := srv.landlord.dbs["plain"]
	srv.landlord.mu.Unlock()
	assert.False(t, opened)
}

func TestServer_badRequest(t *testing.T) {
	_, hs := newTestServer(t)
	resp, err := hs.Client().Post(hs.URL+"/databases/main/bulk_insert", wire.ContentType, strings.NewReader("\xc1"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var we wire.Error
	require.NoError(t, wire.Decode(resp.Body, &we))
	assert.Equal(t, wire.KindBadRequest, we.Kind)
}

func TestServer_metrics(t *testing.T) {
	_, hs := newTestServer(t)
	var open wire.OpenResponse
	_, werr := call(t, hs, "POST", "/databases/main/bulk_insert", wire.BulkInsertOptions{}, &open)
	require.Nil(t, werr)
	_, werr = call(t, hs, "POST", "/databases/main/bulk_insert/"+open.ID, wire.Chunk{Writes: []wire.Write{{Key: "a", Body: map[string]any{}}}}, nil)
	require.Nil(t, werr)
	_, werr = call(t, hs, "POST", "/databases/main/bulk_insert/"+open.ID+"/close", nil, nil)
	require.Nil(t, werr)

	resp, err := hs.Client().Get(hs.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `docdb_bulk_documents_total{db="main",status="created"} 1`)
	assert.Contains(t, text, `docdb_bulk_batches_total{committed="true",db="main"} 1`)
	assert.Contains(t, text, `docdb_bulk_sessions_opened_total{db="main"} 1`)
	assert.Contains(t, text, `docdb_bulk_sessions_active 0`)
	assert.Contains(t, text, `docdb_http_requests_total{code="201",route="bulk_open"} 1`)
}

func TestServer_closeAbortsOpenSessions(t *testing.T) {
	srv, err := New(Options{Tenants: []TenantConfig{{Name: "main", Engine: docdb.EngineISAM, ActiveBundles: AllBundles}}, IsTesting: true})
	require.NoError(t, err)
	hs := httptest.NewServer(srv)
	defer hs.Close()

	var open wire.OpenResponse
	_, werr := call(t, hs, "POST", "/databases/main/bulk_insert", wire.BulkInsertOptions{}, &open)
	require.Nil(t, werr)

	// would block forever if the session were left open
	require.NoError(t, srv.Close())
	assert.Equal(t, 0, srv.sessions.len())
}

func TestServer_bulkDefaults(t *testing.T) {
	srv, err := New(Options{
		Tenants:      []TenantConfig{{Name: "main", Engine: docdb.EngineISAM, ActiveBundles: AllBundles}},
		IsTesting:    true,
		BulkDefaults: docdb.BulkInsertOptions{BatchSize: 2},
	})
	require.NoError(t, err)
	hs := httptest.NewServer(srv)
	defer func() {
		hs.Close()
		require.NoError(t, srv.Close())
	}()

	var open wire.OpenResponse
	_, werr := call(t, hs, "POST", "/databases/main/bulk_insert", wire.BulkInsertOptions{}, &open)
	require.Nil(t, werr)
	_, werr = call(t, hs, "POST", "/databases/main/bulk_insert/"+open.ID, wire.Chunk{Writes: []wire.Write{
		{Key: "a", Body: map[string]any{}},
		{Key: "b", Body: map[string]any{}},
		{Key: "c", Body: map[string]any{}},
	}}, nil)
	require.Nil(t, werr)

	var closed wire.CloseResponse
	_, werr = call(t, hs, "POST", "/databases/main/bulk_insert/"+open.ID+"/close", nil, &closed)
	require.Nil(t, werr)
	assert.Equal(t, 2, closed.Stats.Batches)
	assert.Len(t, closed.Batches, 2)
}
