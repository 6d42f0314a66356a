package docdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrAborted is the terminal error of a session closed with Abort.
var ErrAborted = errors.New("bulk insert aborted")

type State int32

const (
	StateOpen State = iota
	StateStreaming
	// StateFlushing is StateStreaming with at least one batch queued or
	// committing.
	StateFlushing
	StateFailed
	StateClosed
)

var stateNames = [...]string{
	StateOpen:      "open",
	StateStreaming: "streaming",
	StateFlushing:  "flushing",
	StateFailed:    "failed",
	StateClosed:    "closed",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type BulkInsertStats struct {
	Documents int
	Batches   int
	Created   int
	Updated   int
	Unchanged int
	Conflicts int
}

// BulkInsert streams documents into a database in batches. Store buffers
// documents and hands full batches to a committer goroutine, which commits
// them one transaction at a time in the order they were formed.
//
// The first conflict or storage failure is terminal: it is returned by every
// later Store and by Close.
type BulkInsert struct {
	db   *DB
	id   uint64
	opt  BulkInsertOptions
	log  *slog.Logger
	done chan struct{}

	slots *semaphore.Weighted
	queue chan *pendingBatch

	// producerMu serializes Store and Close so that batches are queued in
	// the order they were formed.
	producerMu sync.Mutex

	mu       sync.Mutex
	state    State
	buf      []PendingWrite
	formed   int
	inFlight int
	err      error
	results  []*CommitResult
	stats    BulkInsertStats
	closeErr error
}

type pendingBatch struct {
	seq    int
	writes []PendingWrite
	slot   bool
}

// BulkInsert opens a bulk insert session. The caller must Close it.
func (db *DB) BulkInsert(opt BulkInsertOptions) (*BulkInsert, error) {
	db.sessionsMu.Lock()
	defer db.sessionsMu.Unlock()
	if db.closed.Load() {
		return nil, ErrClosed
	}
	opt = opt.withDefaults()
	s := &BulkInsert{
		db:    db,
		id:    db.sessionSeq.Add(1),
		opt:   opt,
		done:  make(chan struct{}),
		slots: semaphore.NewWeighted(int64(opt.MaxInFlightBatches)),
		queue: make(chan *pendingBatch, opt.MaxInFlightBatches+1),
		buf:   make([]PendingWrite, 0, opt.BatchSize),
		state: StateOpen,
	}
	s.log = db.logger.With(slog.String("db", db.name), slog.Uint64("bulk", s.id))
	db.sessions.Add(1)
	go s.run()

	if db.verbose {
		s.log.LogAttrs(context.Background(), slog.LevelDebug, "bulk: opened", slog.Bool("check_for_updates", opt.CheckForUpdates), slog.Int("batch_size", opt.BatchSize))
	}
	return s, nil
}

func (s *BulkInsert) ID() uint64 {
	return s.id
}

func (s *BulkInsert) Options() BulkInsertOptions {
	return s.opt
}

func (s *BulkInsert) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, if any.
func (s *BulkInsert) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *BulkInsert) Stats() BulkInsertStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Results returns the results of the batches committed so far, in commit order.
func (s *BulkInsert) Results() []*CommitResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.results)
}

// Store queues a document. It blocks only when MaxInFlightBatches batches
// are already queued or committing, until a slot frees or ctx is done.
func (s *BulkInsert) Store(ctx context.Context, key string, body, metadata map[string]any) error {
	if key == "" {
		return ErrInvalidKey
	}

	s.producerMu.Lock()
	defer s.producerMu.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return fmt.Errorf("%w: store after close", ErrInvalidState)
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.buf = append(s.buf, PendingWrite{Key: key, Body: body, Metadata: metadata})
	s.stats.Documents++
	if s.state == StateOpen {
		s.state = StateStreaming
	}
	if len(s.buf) < s.opt.BatchSize {
		s.mu.Unlock()
		return nil
	}
	writes := s.buf
	s.buf = make([]PendingWrite, 0, s.opt.BatchSize)
	s.mu.Unlock()

	// A Store that fails does not store its document; the rest of the
	// batch stays buffered.
	return s.dispatch(ctx, writes, len(writes)-1)
}

// Flush hands the buffered documents to the committer without waiting for
// the commit.
func (s *BulkInsert) Flush(ctx context.Context) error {
	s.producerMu.Lock()
	defer s.producerMu.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return fmt.Errorf("%w: flush after close", ErrInvalidState)
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	writes := s.buf
	s.buf = make([]PendingWrite, 0, s.opt.BatchSize)
	s.mu.Unlock()

	if len(writes) == 0 {
		return nil
	}
	return s.dispatch(ctx, writes, len(writes))
}

// dispatch queues writes as the next batch. If no slot frees up before ctx
// is done, the first keep writes go back to the buffer and the rest are
// dropped.
func (s *BulkInsert) dispatch(ctx context.Context, writes []PendingWrite, keep int) error {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		s.mu.Lock()
		if s.err == nil && s.state != StateClosed {
			s.buf = append(s.buf, writes[:keep]...)
		}
		s.stats.Documents -= len(writes) - keep
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		s.slots.Release(1)
		return err
	}
	b := &pendingBatch{seq: s.formed, writes: writes, slot: true}
	s.formed++
	s.inFlight++
	s.state = StateFlushing
	s.mu.Unlock()

	s.queue <- b
	return nil
}

// Close commits the buffered documents, waits for every queued batch to
// reach a terminal state and returns the terminal error, if any. Calling
// Close again returns the same result.
func (s *BulkInsert) Close() error {
	s.producerMu.Lock()
	defer s.producerMu.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		err := s.closeErr
		s.mu.Unlock()
		return err
	}
	var final *pendingBatch
	if len(s.buf) > 0 && s.err == nil {
		final = &pendingBatch{seq: s.formed, writes: s.buf}
		s.formed++
		s.inFlight++
		s.state = StateFlushing
	}
	s.buf = nil
	s.mu.Unlock()

	// The queue has room for one batch beyond the in-flight limit.
	if final != nil {
		s.queue <- final
	}
	close(s.queue)
	<-s.done

	s.mu.Lock()
	s.state = StateClosed
	s.closeErr = s.err
	stats := s.stats
	s.mu.Unlock()
	s.db.sessions.Done()

	if s.closeErr != nil && !errors.Is(s.closeErr, ErrAborted) {
		s.log.LogAttrs(context.Background(), slog.LevelWarn, "bulk: closed with error", slog.Int("docs", stats.Documents), slog.Int("batches", stats.Batches), slog.Any("err", s.closeErr))
	} else if s.db.verbose {
		s.log.LogAttrs(context.Background(), slog.LevelDebug, "bulk: closed", slog.Int("docs", stats.Documents), slog.Int("batches", stats.Batches), slog.Int("created", stats.Created), slog.Int("updated", stats.Updated))
	}
	return s.closeErr
}

// Abort discards buffered and queued documents, waits for the batch being
// committed, if any, and closes the session. Close then returns ErrAborted
// unless the session had already failed.
func (s *BulkInsert) Abort() {
	s.mu.Lock()
	if s.state != StateClosed {
		s.buf = nil
		s.fail(ErrAborted)
	}
	s.mu.Unlock()
	s.Close()
}

func (s *BulkInsert) fail(err error) {
	if s.err == nil {
		s.err = err
		s.state = StateFailed
	}
}

func (s *BulkInsert) run() {
	defer close(s.done)
	for b := range s.queue {
		s.process(b)
	}
}

func (s *BulkInsert) process(b *pendingBatch) {
	if b.slot {
		defer s.slots.Release(1)
	}

	s.mu.Lock()
	skip := (s.err != nil)
	s.mu.Unlock()

	var res *CommitResult
	var err error
	if skip {
		res = &CommitResult{Outcomes: make([]KeyOutcome, len(b.writes))}
		for i, w := range b.writes {
			res.Outcomes[i].Key = w.Key
		}
	} else {
		var elapsed time.Duration
		res, elapsed, err = s.db.timedCommit(b.writes, s.opt)
		s.logBatch(b, res, elapsed, err)
		if s.db.onBatch != nil {
			s.db.onBatch(BatchEvent{Database: s.db.name, Session: s.id, Result: res, Err: err, Duration: elapsed})
		}
	}
	if res != nil {
		res.Batch = b.seq
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	switch {
	case err != nil:
		s.fail(err)
	case skip:
	default:
		s.results = append(s.results, res)
		s.stats.Batches++
		s.stats.Created += res.Count(Created)
		s.stats.Updated += res.Count(Updated)
		s.stats.Unchanged += res.Count(Unchanged)
		if res.Conflict != nil {
			s.stats.Conflicts++
			s.fail(res.Conflict)
		}
	}
	if s.err == nil && s.inFlight == 0 && s.state == StateFlushing {
		s.state = StateStreaming
	}
}

func (s *BulkInsert) logBatch(b *pendingBatch, res *CommitResult, elapsed time.Duration, err error) {
	ctx := context.Background()
	switch {
	case err != nil:
		s.log.LogAttrs(ctx, slog.LevelError, "bulk: batch failed", slog.Int("batch", b.seq), slog.Int("size", len(b.writes)), slog.String("err", err.Error()), slog.String("stack", fmt.Sprintf("%+v", err)))
	case res.Conflict != nil:
		s.log.LogAttrs(ctx, slog.LevelInfo, "bulk: conflict", slog.Int("batch", b.seq), slog.String("key", res.Conflict.Key), slog.Bool("committed", res.Committed))
	case s.db.verbose:
		s.log.LogAttrs(ctx, slog.LevelDebug, "bulk: batch committed", slog.Int("batch", b.seq), slog.Int("size", len(b.writes)), slog.Duration("elapsed", elapsed))
	}
}
