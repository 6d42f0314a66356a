// Package server exposes tenant databases over HTTP.
//
// Requests and responses are msgpack (see package wire), except for
// /metrics and the JSON error of the bundle gate.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/andreyvit/docdb"
	"github.com/andreyvit/docdb/wire"
)

type Options struct {
	Tenants []TenantConfig
	DataDir string
	Logger  *slog.Logger

	// IsTesting trades durability for speed.
	IsTesting bool

	// BulkDefaults fill in the batch settings a client leaves at zero.
	BulkDefaults docdb.BulkInsertOptions
}

type Server struct {
	bulkDefaults docdb.BulkInsertOptions
	landlord     *Landlord
	sessions     *sessionRegistry
	metrics      *Metrics
	logger       *slog.Logger
	mux          *http.ServeMux
}

func New(opt Options) (*Server, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	metrics := NewMetrics()
	landlord, err := NewLandlord(opt.Tenants, LandlordOptions{
		DataDir:          opt.DataDir,
		Logger:           opt.Logger,
		IsTesting:        opt.IsTesting,
		OnBatchCommitted: metrics.ObserveBatch,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		bulkDefaults: opt.BulkDefaults,
		landlord:     landlord,
		sessions:     newSessionRegistry(),
		metrics:      metrics,
		logger:       opt.Logger,
		mux:          http.NewServeMux(),
	}
	s.route("GET /databases/{db}/docs/{key...}", "get", http.HandlerFunc(s.handleGet))
	s.route("PUT /databases/{db}/docs/{key...}", "put", http.HandlerFunc(s.handlePut))
	s.route("POST /databases/{db}/bulk_insert", "bulk_open", RequireBundle(landlord, BundleBulkInsert, http.HandlerFunc(s.handleBulkOpen)))
	s.route("POST /databases/{db}/bulk_insert/{id}", "bulk_chunk", RequireBundle(landlord, BundleBulkInsert, http.HandlerFunc(s.handleBulkChunk)))
	s.route("POST /databases/{db}/bulk_insert/{id}/close", "bulk_close", RequireBundle(landlord, BundleBulkInsert, http.HandlerFunc(s.handleBulkClose)))
	s.route("DELETE /databases/{db}/bulk_insert/{id}", "bulk_abort", RequireBundle(landlord, BundleBulkInsert, http.HandlerFunc(s.handleBulkAbort)))
	s.mux.Handle("GET /metrics", metrics.Handler())
	return s, nil
}

func (s *Server) Landlord() *Landlord {
	return s.landlord
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close aborts the remote sessions that are still open and closes the
// tenant databases.
func (s *Server) Close() error {
	for _, rs := range s.sessions.drain() {
		s.logger.LogAttrs(context.Background(), slog.LevelWarn, "server: aborting abandoned bulk insert", slog.String("db", rs.db), slog.String("session", rs.id), slog.Duration("age", time.Since(rs.opened)))
		rs.bulk.Abort()
		s.metrics.sessionEnded()
	}
	return s.landlord.Close()
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) route(pattern, name string, h http.Handler) {
	s.mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h.ServeHTTP(sr, r)
		s.metrics.observeRequest(name, sr.code)

		level := slog.LevelDebug
		if sr.code >= 500 {
			level = slog.LevelWarn
		}
		s.logger.LogAttrs(r.Context(), level, "http: request", slog.String("route", name), slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Int("status", sr.code), slog.Duration("elapsed", time.Since(start)))
	}))
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", wire.ContentType)
	w.WriteHeader(code)
	if v == nil {
		return
	}
	if err := wire.Encode(w, v); err != nil {
		s.logger.LogAttrs(context.Background(), slog.LevelError, "http: encoding response", slog.Any("err", err))
	}
}

func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	we := wire.FromError(err)
	code := we.Kind.StatusCode()
	if code >= 500 {
		s.logger.LogAttrs(r.Context(), slog.LevelError, "http: request failed", slog.String("path", r.URL.Path), slog.Any("err", err))
	}
	s.respond(w, code, we)
}

func (s *Server) decode(r *http.Request, v any) error {
	if err := wire.Decode(r.Body, v); err != nil {
		return wire.BadRequestf("%v", err)
	}
	return nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	db, err := s.landlord.DB(r.PathValue("db"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	doc, err := db.Get(r.PathValue("key"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, wire.FromDocument(doc))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	db, err := s.landlord.DB(r.PathValue("db"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	var in wire.PutRequest
	if err := s.decode(r, &in); err != nil {
		s.respondErr(w, r, err)
		return
	}
	etag, err := db.Put(r.PathValue("key"), docdb.Etag(in.Expected), in.Body, in.Metadata)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, wire.PutResponse{Etag: uint64(etag)})
}

func (s *Server) handleBulkOpen(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("db")
	db, err := s.landlord.DB(name)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	var in wire.BulkInsertOptions
	if err := s.decode(r, &in); err != nil {
		s.respondErr(w, r, err)
		return
	}
	opt := in.Options()
	if opt.BatchSize <= 0 {
		opt.BatchSize = s.bulkDefaults.BatchSize
	}
	if opt.MaxInFlightBatches <= 0 {
		opt.MaxInFlightBatches = s.bulkDefaults.MaxInFlightBatches
	}
	bulk, err := db.BulkInsert(opt)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	rs := s.sessions.add(name, bulk)
	s.metrics.sessionOpened(name)
	s.logger.LogAttrs(r.Context(), slog.LevelInfo, "server: bulk insert opened", slog.String("db", name), slog.String("session", rs.id), slog.Bool("check_for_updates", in.CheckForUpdates))
	s.respond(w, http.StatusCreated, wire.OpenResponse{ID: rs.id})
}

func (s *Server) handleBulkChunk(w http.ResponseWriter, r *http.Request) {
	rs := s.sessions.get(r.PathValue("db"), r.PathValue("id"))
	if rs == nil {
		s.respondErr(w, r, wire.ErrUnknownSession)
		return
	}
	var chunk wire.Chunk
	if err := s.decode(r, &chunk); err != nil {
		s.respondErr(w, r, err)
		return
	}
	for i, wr := range chunk.Writes {
		if err := rs.bulk.Store(r.Context(), wr.Key, wr.Body, wr.Metadata); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.logger.LogAttrs(r.Context(), slog.LevelWarn, "server: chunk interrupted", slog.String("session", rs.id), slog.Int("accepted", i))
			}
			s.respondErr(w, r, err)
			return
		}
	}
	s.respond(w, http.StatusOK, wire.ChunkResponse{Accepted: len(chunk.Writes), State: rs.bulk.State().String()})
}

func (s *Server) handleBulkClose(w http.ResponseWriter, r *http.Request) {
	rs := s.sessions.take(r.PathValue("db"), r.PathValue("id"))
	if rs == nil {
		s.respondErr(w, r, wire.ErrUnknownSession)
		return
	}
	err := rs.bulk.Close()
	s.metrics.sessionEnded()
	stats := rs.bulk.Stats()
	s.logger.LogAttrs(r.Context(), slog.LevelInfo, "server: bulk insert closed", slog.String("db", rs.db), slog.String("session", rs.id), slog.Int("docs", stats.Documents), slog.Any("err", err))

	resp := wire.CloseResponse{Stats: wire.FromStats(stats)}
	for _, res := range rs.bulk.Results() {
		resp.Batches = append(resp.Batches, wire.FromResult(res))
	}
	if err != nil {
		we := *wire.FromError(err)
		we.Close = &resp
		code := we.Kind.StatusCode()
		if code >= 500 {
			s.logger.LogAttrs(r.Context(), slog.LevelError, "http: request failed", slog.String("path", r.URL.Path), slog.Any("err", err))
		}
		s.respond(w, code, &we)
		return
	}
	s.respond(w, http.StatusOK, resp)
}

func (s *Server) handleBulkAbort(w http.ResponseWriter, r *http.Request) {
	rs := s.sessions.take(r.PathValue("db"), r.PathValue("id"))
	if rs == nil {
		s.respondErr(w, r, wire.ErrUnknownSession)
		return
	}
	rs.bulk.Abort()
	s.metrics.sessionEnded()
	s.logger.LogAttrs(r.Context(), slog.LevelInfo, "server: bulk insert aborted", slog.String("db", rs.db), slog.String("session", rs.id))
	w.WriteHeader(http.StatusNoContent)
}
