// Copyright (c) 2016 The btcview developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package clients

import (
	"sync"
	"sync/atomic"

	"github.com/btcview/bdvd/bdv"
)

// registry maps session ids to sessions behind an atomically swapped
// immutable map.  Readers load a consistent snapshot without locking;
// writers rebuild the map under a mutex and publish it with a single
// pointer swap.  Removal never invalidates a session reference already
// obtained by an in-flight operation.
type registry struct {
	writeMtx sync.Mutex
	sessions atomic.Pointer[map[string]*bdv.Session]
}

func newRegistry() *registry {
	r := &registry{}
	empty := make(map[string]*bdv.Session)
	r.sessions.Store(&empty)
	return r
}

// get returns the session registered under id, if present.
func (r *registry) get(id string) (*bdv.Session, bool) {
	s, ok := (*r.sessions.Load())[id]
	return s, ok
}

// snapshot returns the current immutable session map.  Callers must
// not mutate it.
func (r *registry) snapshot() map[string]*bdv.Session {
	return *r.sessions.Load()
}

// add publishes a new map containing the session.  A fully constructed
// session is visible to readers atomically or not at all.
func (r *registry) add(s *bdv.Session) {
	r.writeMtx.Lock()
	defer r.writeMtx.Unlock()

	old := *r.sessions.Load()
	next := make(map[string]*bdv.Session, len(old)+1)
	for id, sess := range old {
		next[id] = sess
	}
	next[s.ID()] = s
	r.sessions.Store(&next)
}

// remove publishes a new map without the named session and returns the
// removed session, if it was present.
func (r *registry) remove(id string) (*bdv.Session, bool) {
	r.writeMtx.Lock()
	defer r.writeMtx.Unlock()

	old := *r.sessions.Load()
	s, ok := old[id]
	if !ok {
		return nil, false
	}

	next := make(map[string]*bdv.Session, len(old)-1)
	for sessID, sess := range old {
		if sessID == id {
			continue
		}
		next[sessID] = sess
	}
	r.sessions.Store(&next)
	return s, true
}
