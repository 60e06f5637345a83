// journal.go records committed graph mutations.
//
// The journal is written after the transaction commits. A journal failure is
// logged and does not fail the write, since the graph change is already
// durable. Event ids are UUIDv7 so ordering by id is ordering by time.

package dag

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MutationKind names a journaled operation.
type MutationKind string

const (
	MutationInsert  MutationKind = "insert_edge"
	MutationRemove  MutationKind = "remove_edge"
	MutationRestore MutationKind = "restore_source"
)

// MutationEvent is one committed change to a source graph. For restores the
// vertices are zero and Rows counts the replayed direct edges.
type MutationEvent struct {
	ID          string       `json:"id" bson:"_id"`
	Kind        MutationKind `json:"kind" bson:"kind"`
	Source      string       `json:"source" bson:"source"`
	StartVertex int64        `json:"start_vertex" bson:"start_vertex"`
	EndVertex   int64        `json:"end_vertex" bson:"end_vertex"`
	Rows        int          `json:"rows" bson:"rows"`
	At          time.Time    `json:"at" bson:"at"`
}

// Journal stores mutation events. List returns the newest events first,
// restricted to source unless it is empty; limit <= 0 means no limit.
type Journal interface {
	Append(ctx context.Context, event MutationEvent) error
	List(ctx context.Context, source string, limit int) ([]MutationEvent, error)
}

// Journal returns the configured journal, or nil.
func (s *Store) Journal() Journal {
	return s.journal
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func stampEvent(event MutationEvent) MutationEvent {
	if event.ID == "" {
		event.ID = newEventID()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	return event
}

func (s *Store) appendJournal(ctx context.Context, event MutationEvent) {
	if s.journal == nil {
		return
	}
	event = stampEvent(event)
	if err := s.journal.Append(context.WithoutCancel(ctx), event); err != nil {
		s.logger.ErrorContext(ctx, "journal append failed", "source", event.Source, "kind", string(event.Kind), "error", err)
	}
}
