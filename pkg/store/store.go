// Package store persists trained predictor artifacts keyed by (benchmark,
// hardware signature, feature schema). One JSON record per (benchmark,
// hardware) pair lives under a caller-supplied directory; loads verify the
// recorded schema against the encoder's current one and refuse incompatible
// records instead of mis-predicting. A process-wide ccache front keeps
// repeated loads during a search from re-reading disk.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/karlseguin/ccache/v3"

	"github.com/planlens/planlens/pkg/encode"
	"github.com/planlens/planlens/pkg/metrics"
	"github.com/planlens/planlens/pkg/predict"
)

// Key identifies one predictor artifact.
type Key struct {
	Benchmark string // e.g. "gpt-1.3b"
	Hardware  string // cluster signature, e.g. "2x2-nvidia-a100"
	Schema    string // encoder feature schema the model was trained on
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s#%s", k.Benchmark, k.Hardware, k.Schema)
}

// fileStem names the on-disk record. The schema is metadata inside the
// record, not part of the filename, so a stale-schema artifact is found and
// rejected explicitly rather than shadowed by a NotFound.
func (k Key) fileStem() string {
	sanitize := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
				return r
			default:
				return '_'
			}
		}, s)
	}
	return sanitize(k.Benchmark) + "__" + sanitize(k.Hardware)
}

// record is the on-disk artifact layout.
type record struct {
	Benchmark     string            `json:"benchmark"`
	Hardware      string            `json:"hardware"`
	SchemaVersion string            `json:"schema_version"`
	SavedAt       time.Time         `json:"saved_at"`
	Model         *predict.Snapshot `json:"model"`
}

// Store is a filesystem-backed artifact store.
type Store struct {
	dir    string
	cache  *ccache.Cache[*predict.Snapshot]
	logger *slog.Logger
}

// Open returns a store rooted at dir, creating the directory if absent.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir %s: %w", dir, err)
	}
	return &Store{
		dir:    dir,
		cache:  ccache.New(ccache.Configure[*predict.Snapshot]().MaxSize(64).ItemsToPrune(8)),
		logger: slog.Default(),
	}, nil
}

// WithLogger swaps the store's logger. Used in tests to capture output.
func (s *Store) WithLogger(l *slog.Logger) *Store {
	s.logger = l
	return s
}

// Dir returns the storage root.
func (s *Store) Dir() string { return s.dir }

// Save persists the snapshot under key. An existing record fails with
// DestinationConflict unless overwrite is set. The write goes through a
// temp file and rename so a crashed run never leaves a torn artifact.
func (s *Store) Save(key Key, snap *predict.Snapshot, overwrite bool) error {
	path := filepath.Join(s.dir, key.fileStem()+".json")
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			metrics.ArtifactOps.WithLabelValues("save", "conflict").Inc()
			return &ConflictError{Key: key, Path: path}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", path, err)
		}
	}

	rec := record{
		Benchmark:     key.Benchmark,
		Hardware:      key.Hardware,
		SchemaVersion: snap.SchemaVersion,
		SavedAt:       time.Now().UTC(),
		Model:         snap,
	}
	data, err := json.MarshalIndent(&rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact %s: %w", key, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit artifact %s: %w", key, err)
	}

	s.cache.Delete(key.String())
	metrics.ArtifactOps.WithLabelValues("save", "ok").Inc()
	s.logger.Info("artifact saved", "key", key.String(), "path", path, "bytes", len(data))
	return nil
}

// Load returns the snapshot saved under key. Missing records return
// NotFound; a record whose feature schema differs from the key's fails
// with SchemaMismatch, surfacing both versions so the caller knows to
// retrain rather than guess.
func (s *Store) Load(key Key) (*predict.Snapshot, error) {
	if item := s.cache.Get(key.String()); item != nil && !item.Expired() {
		return item.Value(), nil
	}

	path := filepath.Join(s.dir, key.fileStem()+".json")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		metrics.ArtifactOps.WithLabelValues("load", "miss").Inc()
		return nil, &NotFoundError{Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", key, err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", key, err)
	}
	if rec.Model == nil {
		return nil, fmt.Errorf("artifact %s has no model payload", key)
	}
	if rec.SchemaVersion != key.Schema || rec.Model.FeatureWidth != encode.FeatureWidth {
		metrics.ArtifactOps.WithLabelValues("load", "schema_mismatch").Inc()
		return nil, &predict.SchemaMismatchError{
			WantVersion: key.Schema,
			WantWidth:   encode.FeatureWidth,
			GotVersion:  rec.SchemaVersion,
			GotWidth:    rec.Model.FeatureWidth,
		}
	}

	s.cache.Set(key.String(), rec.Model, time.Hour)
	metrics.ArtifactOps.WithLabelValues("load", "ok").Inc()
	s.logger.Info("artifact loaded", "key", key.String(), "saved_at", rec.SavedAt)
	return rec.Model, nil
}

// Remove deletes the record for key, if any.
func (s *Store) Remove(key Key) error {
	s.cache.Delete(key.String())
	err := os.Remove(filepath.Join(s.dir, key.fileStem()+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Lock takes the advisory lock for key's storage path, serializing training
// runs that would otherwise write the same artifact concurrently. Returns
// the release function, or ErrLocked if another run holds the lock. The
// lock is a plain O_EXCL file: visible in the storage dir, safe across
// processes sharing the filesystem.
func (s *Store) Lock(key Key) (release func(), err error) {
	path := filepath.Join(s.dir, key.fileStem()+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, key)
		}
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	fmt.Fprintf(f, "pid=%d time=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	f.Close()
	return func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to release artifact lock", "key", key.String(), "err", err)
		}
	}, nil
}
