package dag

import (
	"context"
	"sync"
)

// InMemoryJournal keeps events in process memory.
type InMemoryJournal struct {
	mu     sync.Mutex
	events []MutationEvent
}

func NewInMemoryJournal() *InMemoryJournal {
	return &InMemoryJournal{}
}

func (j *InMemoryJournal) Append(ctx context.Context, event MutationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	event = stampEvent(event)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
	return nil
}

func (j *InMemoryJournal) List(ctx context.Context, source string, limit int) ([]MutationEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	out := []MutationEvent{}
	for i := len(j.events) - 1; i >= 0; i-- {
		if source != "" && j.events[i].Source != source {
			continue
		}
		out = append(out, j.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
