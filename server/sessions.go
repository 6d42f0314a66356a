package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andreyvit/docdb"
)

// remoteSession is a bulk insert session opened over HTTP.
type remoteSession struct {
	id     string
	db     string
	bulk   *docdb.BulkInsert
	opened time.Time
}

type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*remoteSession
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*remoteSession)}
}

func (r *sessionRegistry) add(db string, bulk *docdb.BulkInsert) *remoteSession {
	rs := &remoteSession{
		id:     uuid.NewString(),
		db:     db,
		bulk:   bulk,
		opened: time.Now(),
	}
	r.mu.Lock()
	r.sessions[rs.id] = rs
	r.mu.Unlock()
	return rs
}

// get finds a session of the given database.
func (r *sessionRegistry) get(db, id string) *remoteSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs := r.sessions[id]
	if rs == nil || rs.db != db {
		return nil
	}
	return rs
}

// take removes a session and returns it; only one caller gets it.
func (r *sessionRegistry) take(db, id string) *remoteSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs := r.sessions[id]
	if rs == nil || rs.db != db {
		return nil
	}
	delete(r.sessions, id)
	return rs
}

func (r *sessionRegistry) drain() []*remoteSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]*remoteSession, 0, len(r.sessions))
	for _, rs := range r.sessions {
		result = append(result, rs)
	}
	clear(r.sessions)
	return result
}

func (r *sessionRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
