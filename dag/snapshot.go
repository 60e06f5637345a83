// snapshot.go backs up and restores the direct edges of one source.
//
// Only direct edges are exported. Restoring replays them in their original
// insertion order through the normal insertion path, so every implied row is
// recomputed instead of trusted from the file. The replay happens in a single
// transaction that first clears the source, so a failed restore leaves the
// source as it was.
//
// Keys have the form snapshots/<source>/<unix-nanos>-<uuid>.json, which sorts
// chronologically within a source.

package dag

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const snapshotKeyPrefix = "snapshots/"

// SnapshotEdge is one exported direct edge.
type SnapshotEdge struct {
	StartVertex int64 `json:"start_vertex"`
	EndVertex   int64 `json:"end_vertex"`
}

// Snapshot is the portable form of a source graph.
type Snapshot struct {
	Source    string         `json:"source"`
	CreatedAt time.Time      `json:"created_at"`
	MaxHops   int            `json:"max_hops"`
	Edges     []SnapshotEdge `json:"edges"`
}

// SnapshotPrefix returns the blob key prefix under which snapshots of source
// are stored.
func SnapshotPrefix(source string) string {
	return snapshotKeyPrefix + source + "/"
}

// isSnapshotKeyOf reports whether key names a snapshot file directly under
// the prefix of source. Keys of a source nested below it ("a" and "a/b") do
// not match.
func isSnapshotKeyOf(source, key string) bool {
	name, ok := strings.CutPrefix(key, SnapshotPrefix(source))
	return ok && !strings.Contains(name, "/") && strings.HasSuffix(name, ".json") && name != ".json"
}

func newSnapshotKey(source string, at time.Time) string {
	return fmt.Sprintf("%s%d-%s.json", SnapshotPrefix(source), at.UnixNano(), uuid.NewString())
}

// ExportSource returns the direct edges of source in insertion order.
func (s *Store) ExportSource(ctx context.Context, source string) (*Snapshot, error) {
	if source == "" {
		return nil, ErrSourceRequired
	}
	direct, err := s.DirectEdges(ctx, source)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Source:    source,
		CreatedAt: time.Now().UTC(),
		MaxHops:   s.cfg.MaxHops,
		Edges:     make([]SnapshotEdge, 0, len(direct)),
	}
	for _, e := range direct {
		snap.Edges = append(snap.Edges, SnapshotEdge{StartVertex: e.StartVertex, EndVertex: e.EndVertex})
	}
	return snap, nil
}

// ImportSource replaces the graph of snap.Source with the edges in snap and
// returns how many direct edges were inserted.
func (s *Store) ImportSource(ctx context.Context, snap *Snapshot) (int, error) {
	if snap == nil {
		return 0, fmt.Errorf("snapshot is required")
	}
	if snap.Source == "" {
		return 0, ErrSourceRequired
	}

	started := time.Now()
	var restored int
	err := s.runWrite(ctx, "restore_source", snap.Source, func(tx *sql.Tx) error {
		restored = 0
		if _, err := tx.ExecContext(ctx, s.stmt(`DELETE FROM {table} WHERE source = ?`), snap.Source); err != nil {
			return fmt.Errorf("clear source: %w", err)
		}
		for _, e := range snap.Edges {
			created, err := s.insertEdgeTx(ctx, tx, e.StartVertex, e.EndVertex, snap.Source, s.cfg.MaxHops)
			if err != nil {
				return fmt.Errorf("replay edge %d -> %d: %w", e.StartVertex, e.EndVertex, err)
			}
			if created != nil {
				restored++
			}
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "dag source restore failed", "source", snap.Source, "error", err)
		return 0, err
	}

	s.logger.InfoContext(ctx, "dag source restored", "source", snap.Source, "edges", restored, "latency_ms", time.Since(started).Milliseconds())
	s.appendJournal(ctx, MutationEvent{
		Kind:   MutationRestore,
		Source: snap.Source,
		Rows:   restored,
	})
	return restored, nil
}

// BackupSource exports source and uploads it to blobs under a new key.
func (s *Store) BackupSource(ctx context.Context, source string, blobs BlobStore) (*BlobObjectInfo, error) {
	snap, err := s.ExportSource(ctx, source)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp("", "dag-snapshot-*.json")
	if err != nil {
		return nil, fmt.Errorf("create snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close snapshot file: %w", err)
	}

	info, err := blobs.UploadIfMatch(ctx, newSnapshotKey(source, snap.CreatedAt), tmp.Name(), "")
	if err != nil {
		return nil, fmt.Errorf("upload snapshot: %w", err)
	}
	s.logger.InfoContext(ctx, "dag source snapshot stored", "source", source, "key", info.Key, "edges", len(snap.Edges))
	return info, nil
}

// LoadSnapshot downloads and decodes the snapshot stored at key.
func LoadSnapshot(ctx context.Context, blobs BlobStore, key string) (*Snapshot, error) {
	if _, err := blobs.Head(ctx, key); err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "dag-restore-*")
	if err != nil {
		return nil, fmt.Errorf("create restore dir: %w", err)
	}
	defer os.RemoveAll(dir)

	dest := filepath.Join(dir, "snapshot.json")
	if err := blobs.Download(ctx, key, dest); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(dest)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return &snap, nil
}

// RestoreSource loads the snapshot at key and replaces source with it. The
// snapshot must have been taken from the same source.
func (s *Store) RestoreSource(ctx context.Context, source string, blobs BlobStore, key string) (int, error) {
	snap, err := LoadSnapshot(ctx, blobs, key)
	if err != nil {
		return 0, err
	}
	if snap.Source != source {
		return 0, fmt.Errorf("%w: %s holds %q, not %q", ErrSnapshotSourceMismatch, key, snap.Source, source)
	}
	return s.ImportSource(ctx, snap)
}

// ListSnapshots lists the snapshots of source, oldest first.
func ListSnapshots(ctx context.Context, blobs BlobStore, source string) ([]BlobObjectInfo, error) {
	items, err := blobs.List(ctx, SnapshotPrefix(source))
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]BlobObjectInfo, 0, len(items))
	for _, item := range items {
		if isSnapshotKeyOf(source, item.Key) {
			out = append(out, item)
		}
	}
	return out, nil
}

// DeleteSnapshot removes one snapshot of source.
func DeleteSnapshot(ctx context.Context, blobs BlobStore, source, key string) error {
	if !isSnapshotKeyOf(source, key) {
		return fmt.Errorf("%w: %s", ErrSnapshotSourceMismatch, key)
	}
	return blobs.Delete(ctx, key)
}
