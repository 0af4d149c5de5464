// Package mongostore provides a durable implementation of
// session.CheckpointStore and session.Store backed by MongoDB, for
// deployments that opt into surviving reconnections across process restarts
// (spec.md §6 "Persisted state": "optionally across reconnections when a
// checkpoint store backend is configured"). Grounded on the teacher's direct
// dependency on go.mongodb.org/mongo-driver/v2.
package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/brightfunnel/reachctl/internal/session"
)

// Store persists sessions and checkpoints in two collections of a single
// MongoDB database.
type Store struct {
	sessions    *mongo.Collection
	checkpoints *mongo.Collection
}

// New returns a Store backed by the "sessions" and "checkpoints" collections
// of db.
func New(db *mongo.Database) *Store {
	return &Store{
		sessions:    db.Collection("sessions"),
		checkpoints: db.Collection("checkpoints"),
	}
}

type sessionDoc struct {
	ID        string     `bson:"_id"`
	Status    string     `bson:"status"`
	CreatedAt time.Time  `bson:"created_at"`
	EndedAt   *time.Time `bson:"ended_at,omitempty"`
}

func (s *Store) CreateSession(ctx context.Context, sessionID string, createdAt time.Time) (session.Session, error) {
	doc := sessionDoc{ID: sessionID, Status: string(session.StatusActive), CreatedAt: createdAt.UTC()}
	_, err := s.sessions.UpdateOne(ctx,
		bson.M{"_id": sessionID},
		bson.M{"$setOnInsert": doc},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return session.Session{}, err
	}
	return s.LoadSession(ctx, sessionID)
}

func (s *Store) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	var doc sessionDoc
	err := s.sessions.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return session.Session{}, session.ErrSessionNotFound
	}
	if err != nil {
		return session.Session{}, err
	}
	if doc.Status == string(session.StatusEnded) {
		return toSession(doc), session.ErrSessionEnded
	}
	return toSession(doc), nil
}

func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time) (session.Session, error) {
	at := endedAt.UTC()
	res := s.sessions.FindOneAndUpdate(ctx,
		bson.M{"_id": sessionID},
		bson.M{"$set": bson.M{"status": string(session.StatusEnded), "ended_at": at}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var doc sessionDoc
	if err := res.Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, err
	}
	return toSession(doc), nil
}

func toSession(doc sessionDoc) session.Session {
	return session.Session{ID: doc.ID, Status: session.Status(doc.Status), CreatedAt: doc.CreatedAt, EndedAt: doc.EndedAt}
}

type checkpointDoc struct {
	ThreadID    string    `bson:"_id"`
	Doc         []byte    `bson:"doc"`
	Interrupted bool      `bson:"interrupted"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

// Save implements session.CheckpointStore.
func (s *Store) Save(ctx context.Context, threadID string, doc []byte, interrupted bool) error {
	_, err := s.checkpoints.UpdateOne(ctx,
		bson.M{"_id": threadID},
		bson.M{"$set": checkpointDoc{ThreadID: threadID, Doc: doc, Interrupted: interrupted, UpdatedAt: time.Now().UTC()}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// Load implements session.CheckpointStore.
func (s *Store) Load(ctx context.Context, threadID string) ([]byte, bool, error) {
	var doc checkpointDoc
	err := s.checkpoints.FindOne(ctx, bson.M{"_id": threadID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, false, session.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, false, err
	}
	return doc.Doc, doc.Interrupted, nil
}
