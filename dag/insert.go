package dag

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// InsertEdge adds the direct edge start -> end to source together with every
// path it implies, using the configured hop ceiling.
//
// It returns the created rows ordered by hops then id, direct row first. A
// direct edge that already exists is a no-op reported as (nil, nil).
func (s *Store) InsertEdge(ctx context.Context, start, end int64, source string) ([]Edge, error) {
	return s.InsertEdgeWithMaxHops(ctx, start, end, source, s.cfg.MaxHops)
}

// InsertEdgeWithMaxHops is InsertEdge with an explicit hop ceiling. The
// ceiling can narrow the configured one but never exceed it, so every stored
// source can be replayed by ImportSource. When any created path would exceed
// the ceiling nothing is persisted and the error wraps ErrTooManyHops.
func (s *Store) InsertEdgeWithMaxHops(ctx context.Context, start, end int64, source string, maxHops int) ([]Edge, error) {
	if source == "" {
		return nil, ErrSourceRequired
	}
	maxHops = clampMaxHops(&maxHops, s.cfg.MaxHops)

	started := time.Now()
	var created []Edge
	err := s.runWrite(ctx, "insert_edge", source, func(tx *sql.Tx) error {
		edges, err := s.insertEdgeTx(ctx, tx, start, end, source, maxHops)
		created = edges
		return err
	})
	latencyMS := time.Since(started).Milliseconds()
	s.metrics.RecordInsert(source, latencyMS, len(created), err)

	attrs := []any{"source", source, "start_vertex", start, "end_vertex", end}
	switch {
	case errors.Is(err, ErrCircularReference), errors.Is(err, ErrTooManyHops):
		s.logger.WarnContext(ctx, "dag edge rejected", append(attrs, "error", err)...)
		return nil, err
	case err != nil:
		s.logger.ErrorContext(ctx, "dag edge insert failed", append(attrs, "error", err)...)
		return nil, err
	case created == nil:
		s.logger.DebugContext(ctx, "dag edge already exists", attrs...)
		return nil, nil
	}

	s.logger.InfoContext(ctx, "dag edge inserted", append(attrs, "rows", len(created), "latency_ms", latencyMS)...)
	s.appendJournal(ctx, MutationEvent{
		Kind:        MutationInsert,
		Source:      source,
		StartVertex: start,
		EndVertex:   end,
		Rows:        len(created),
	})
	return created, nil
}

// insertEdgeTx runs the whole insertion inside tx. A nil result with a nil
// error means the direct edge already existed.
func (s *Store) insertEdgeTx(ctx context.Context, tx *sql.Tx, start, end int64, source string, maxHops int) ([]Edge, error) {
	exists, err := s.directEdgeExistsTx(ctx, tx, start, end, source)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}
	if err := s.guardAgainstCircularRelationTx(ctx, tx, start, end, source); err != nil {
		return nil, err
	}

	id, err := s.createDirectEdgeTx(ctx, tx, start, end, source)
	if err != nil {
		return nil, err
	}
	if err := s.createImpliedEdgesTx(ctx, tx, id, start, end, source); err != nil {
		return nil, err
	}

	edges, err := s.edgesForDirectTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := guardAgainstExceedingMaxHops(edges, maxHops); err != nil {
		return nil, err
	}
	return edges, nil
}
