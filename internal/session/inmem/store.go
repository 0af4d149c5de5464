// Package inmem provides in-memory implementations of session.Store and
// session.CheckpointStore, adapted from the teacher's
// runtime/agent/session/inmem package. Intended for tests, local
// development, and single-process deployments that accept losing in-flight
// sessions on restart (spec.md Non-goals).
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/brightfunnel/reachctl/internal/session"
)

// Store is an in-memory, concurrency-safe implementation of session.Store
// and session.CheckpointStore.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]session.Session
	checkpoints map[string]checkpoint
}

type checkpoint struct {
	doc         []byte
	interrupted bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions:    make(map[string]session.Session),
		checkpoints: make(map[string]checkpoint),
	}
}

func (s *Store) CreateSession(_ context.Context, sessionID string, createdAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sessionID]; ok {
		if existing.Status == session.StatusEnded {
			return session.Session{}, session.ErrSessionEnded
		}
		return existing, nil
	}
	out := session.Session{ID: sessionID, Status: session.StatusActive, CreatedAt: createdAt.UTC()}
	s.sessions[sessionID] = out
	return out, nil
}

func (s *Store) LoadSession(_ context.Context, sessionID string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return existing, nil
}

func (s *Store) EndSession(_ context.Context, sessionID string, endedAt time.Time) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	if existing.Status == session.StatusEnded {
		return existing, nil
	}
	at := endedAt.UTC()
	existing.Status = session.StatusEnded
	existing.EndedAt = &at
	s.sessions[sessionID] = existing
	return existing, nil
}

// Save implements session.CheckpointStore.
func (s *Store) Save(_ context.Context, threadID string, doc []byte, interrupted bool) error {
	if threadID == "" {
		return errors.New("thread id is required")
	}
	cp := checkpoint{doc: append([]byte(nil), doc...), interrupted: interrupted}
	s.mu.Lock()
	s.checkpoints[threadID] = cp
	s.mu.Unlock()
	return nil
}

// Load implements session.CheckpointStore.
func (s *Store) Load(_ context.Context, threadID string) ([]byte, bool, error) {
	s.mu.RLock()
	cp, ok := s.checkpoints[threadID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, session.ErrCheckpointNotFound
	}
	return append([]byte(nil), cp.doc...), cp.interrupted, nil
}
