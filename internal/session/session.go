// Package session defines durable session lifecycle and checkpoint storage
// for the orchestrator's Session Manager (C1, spec.md §4.1).
//
// A Session is the first-class conversational container identified by a
// thread-id. Turns (state.State snapshots) are checkpointed under the
// session's thread-id so the Session Manager can resume after an interrupt
// or, for durable backends, after a process restart (spec.md Non-goals: the
// core does not mandate disk persistence; a pluggable checkpoint store is
// assumed).
package session

import (
	"context"
	"errors"
	"time"
)

type (
	// Session captures durable session lifecycle state.
	Session struct {
		ID        string
		Status    Status
		CreatedAt time.Time
		EndedAt   *time.Time
	}

	// Status is the lifecycle state of a Session.
	Status string

	// Store persists session lifecycle state. Implementations must be safe
	// for concurrent use; a given thread-id's turns are always handled in
	// order by the Session Manager, but multiple sessions run concurrently.
	Store interface {
		// CreateSession creates (or idempotently returns) an active session.
		CreateSession(ctx context.Context, sessionID string, createdAt time.Time) (Session, error)
		// LoadSession loads an existing session. Returns ErrSessionNotFound
		// when the session does not exist.
		LoadSession(ctx context.Context, sessionID string) (Session, error)
		// EndSession ends a session and returns its terminal state.
		// Idempotent.
		EndSession(ctx context.Context, sessionID string, endedAt time.Time) (Session, error)
	}

	// Checkpoint persists the latest Session State snapshot (opaque to this
	// package; callers pass an already-serialized document) for a thread-id,
	// and records whether the run at that checkpoint is suspended at an
	// interrupt (spec.md §4.10/§6 "Persisted state").
	CheckpointStore interface {
		// Save stores the latest checkpoint document for threadID, replacing
		// any prior checkpoint.
		Save(ctx context.Context, threadID string, doc []byte, interrupted bool) error
		// Load retrieves the latest checkpoint document for threadID.
		// Returns ErrCheckpointNotFound when no checkpoint exists.
		Load(ctx context.Context, threadID string) (doc []byte, interrupted bool, err error)
	}
)

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionEnded       = errors.New("session ended")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)
