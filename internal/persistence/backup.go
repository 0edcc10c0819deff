package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/latzero/latzero/internal/db"
	"github.com/latzero/latzero/internal/logging"
)

// Backuper is implemented by db.Database engines capable of streaming a
// consistent point-in-time snapshot (e.g. boltdb.DB, via bbolt's
// Tx.WriteTo). Engines that don't implement it fall back to a generic JSON
// export of every known bucket.
type Backuper interface {
	Backup(w io.Writer) error
}

// snapshot is the generic fallback format for engines without a native
// streaming backup (Postgres, memdb).
type snapshot struct {
	TakenAt time.Time                  `json:"taken_at"`
	Buckets map[string]json.RawMessage `json:"buckets"`
}

// Backup writes a time-stamped snapshot of the durable store into dir,
// prunes the oldest file beyond maxBackups, and — if sink is non-nil —
// uploads the new file afterward. It returns the path of the snapshot just
// written.
func (s *Store) Backup(ctx context.Context, dir string, maxBackups int, sink BackupSink) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir %s: %w", dir, err)
	}
	name := fmt.Sprintf("latzero-%s.bak", time.Now().UTC().Format("20060102T150405.000000000Z"))
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create backup file %s: %w", path, err)
	}
	writeErr := s.writeSnapshot(ctx, f)
	closeErr := f.Close()
	if writeErr != nil {
		os.Remove(path)
		return "", fmt.Errorf("write backup %s: %w", path, writeErr)
	}
	if closeErr != nil {
		return "", fmt.Errorf("close backup %s: %w", path, closeErr)
	}

	if err := pruneBackups(dir, maxBackups); err != nil {
		logf("prune backups in %s: %v", dir, err)
	}

	if sink != nil {
		if err := sink.Upload(ctx, path); err != nil {
			logf("upload backup %s: %v", path, err)
		}
	}
	return path, nil
}

// BackupSink is the narrow interface Store.Backup needs from an upload
// destination; backupsink.S3Sink satisfies it.
type BackupSink interface {
	Upload(ctx context.Context, path string) error
}

func (s *Store) writeSnapshot(ctx context.Context, w io.Writer) error {
	if native, ok := s.database.(Backuper); ok {
		return native.Backup(w)
	}

	snap := snapshot{TakenAt: time.Now(), Buckets: make(map[string]json.RawMessage)}
	for _, bucket := range []string{bucketApps, bucketPools, bucketBlocks, bucketConfig} {
		rows := make(map[string]json.RawMessage)
		err := s.database.View(ctx, func(tx db.Tx) error {
			return tx.ForEach(bucket, func(key string, value []byte) error {
				rows[key] = json.RawMessage(value)
				return nil
			})
		})
		if err != nil {
			return fmt.Errorf("snapshot bucket %s: %w", bucket, err)
		}
		buf, err := json.Marshal(rows)
		if err != nil {
			return err
		}
		snap.Buckets[bucket] = buf
	}
	return json.NewEncoder(w).Encode(snap)
}

// pruneBackups removes the oldest latzero-*.bak files in dir until at most
// maxBackups remain, per spec.md §4.1's bounded retention invariant. A
// non-positive maxBackups disables pruning.
func pruneBackups(dir string, maxBackups int) error {
	if maxBackups <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "latzero-") || !strings.HasSuffix(e.Name(), ".bak") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names) // timestamp-named, so lexical order is chronological
	excess := len(names) - maxBackups
	for i := 0; i < excess; i++ {
		path := filepath.Join(dir, names[i])
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove old backup %s: %w", path, err)
		}
		logging.Op().Info("pruned backup", "path", path)
	}
	return nil
}
