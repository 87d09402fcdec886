// Package history is the append-only audit log of iteration records.
//
// Records are grouped by task and run. A run is one start of a task; a
// resumed task keeps appending to its run, a forced restart opens a new
// one. Keys are ordered so that a prefix scan yields a run's records in
// iteration order:
//
//	iter/<task>/<run>/<iteration, zero padded>
//	res/<task>/<run>/<iteration, zero padded>
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopd/internal/task"
	"github.com/fyrsmithlabs/loopd/internal/verdict"
)

// ErrOutOfOrder is returned when a record does not extend its run's log.
var ErrOutOfOrder = errors.New("iteration record out of order")

const (
	keyPrefix        = "iter/"
	resolutionPrefix = "res/"
)

// Config configures the badger-backed store.
type Config struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	// ReadOnly opens an existing database for inspection. It fails while
	// another process holds the database open for writing.
	ReadOnly bool
}

// Store persists iteration records in badger.
type Store struct {
	db     *badger.DB
	logger *zap.Logger

	mu   sync.Mutex
	runs map[string]*sync.Mutex
}

// Open opens (or creates) the history database.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("history path is required")
		}
		if !cfg.ReadOnly {
			if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
				return nil, fmt.Errorf("creating history directory %s: %w", cfg.Path, err)
			}
		}
		opts = badger.DefaultOptions(cfg.Path).WithReadOnly(cfg.ReadOnly)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{l: logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	return &Store{db: db, logger: logger, runs: make(map[string]*sync.Mutex)}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func runPrefix(prefix, taskID, runID string) []byte {
	return []byte(prefix + taskID + "/" + runID + "/")
}

func recordKey(taskID, runID string, iteration int) []byte {
	return []byte(fmt.Sprintf("%s%010d", runPrefix(keyPrefix, taskID, runID), iteration))
}

func resolutionKey(taskID, runID string, iteration int) []byte {
	return []byte(fmt.Sprintf("%s%010d", runPrefix(resolutionPrefix, taskID, runID), iteration))
}

func (s *Store) runLock(taskID, runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := taskID + "/" + runID
	l, ok := s.runs[k]
	if !ok {
		l = &sync.Mutex{}
		s.runs[k] = l
	}
	return l
}

// Append adds a record. Its iteration must be greater than the last one
// stored for the same run.
func (s *Store) Append(ctx context.Context, rec task.IterationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.TaskID == "" || rec.RunID == "" {
		return errors.New("iteration record needs a task and run id")
	}
	l := s.runLock(rec.TaskID, rec.RunID)
	l.Lock()
	defer l.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding iteration record: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		last, err := lastIteration(txn, rec.TaskID, rec.RunID)
		if err != nil {
			return err
		}
		if rec.Iteration <= last {
			return fmt.Errorf("%w: task %s iteration %d after %d", ErrOutOfOrder, rec.TaskID, rec.Iteration, last)
		}
		return txn.Set(recordKey(rec.TaskID, rec.RunID, rec.Iteration), data)
	})
}

// Resolve records the operator's answer to the escalation raised by an
// iteration. The iteration record itself is never rewritten; List merges
// the resolution in.
func (s *Store) Resolve(ctx context.Context, taskID, runID string, iteration int, res task.Resolution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(recordKey(taskID, runID, iteration)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("no iteration %d recorded for task %s", iteration, taskID)
			}
			return err
		}
		return txn.Set(resolutionKey(taskID, runID, iteration), []byte(res))
	})
}

// LastIteration returns the highest iteration recorded for a run, or 0.
func (s *Store) LastIteration(ctx context.Context, taskID, runID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var last int
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		last, err = lastIteration(txn, taskID, runID)
		return err
	})
	return last, err
}

func lastIteration(txn *badger.Txn, taskID, runID string) (int, error) {
	prefix := runPrefix(keyPrefix, taskID, runID)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = true
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	// Reverse iteration seeks to the largest key <= the seek key.
	seek := append(append([]byte{}, prefix...), 0xFF)
	it.Seek(seek)
	if !it.ValidForPrefix(prefix) {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
	if err != nil {
		return 0, fmt.Errorf("malformed history key %q: %w", it.Item().Key(), err)
	}
	return n, nil
}

// storedRecord is the on-disk shape. The verdict is decoded through
// verdict.Normalize so older or foreign encodings still load.
type storedRecord struct {
	task.IterationRecord
	Verdict json.RawMessage `json:"verdict"`
}

// List returns a run's records in iteration order.
func (s *Store) List(ctx context.Context, taskID, runID string) ([]task.IterationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []task.IterationRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		if out, err = readRecords(txn, runPrefix(keyPrefix, taskID, runID)); err != nil {
			return err
		}
		for i := range out {
			item, err := txn.Get(resolutionKey(taskID, runID, out[i].Iteration))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[i].Resolution = task.Resolution(val)
		}
		return nil
	})
	return out, err
}

func readRecords(txn *badger.Txn, prefix []byte) ([]task.IterationRecord, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []task.IterationRecord
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		err := item.Value(func(val []byte) error {
			rec, err := decode(val)
			if err != nil {
				return fmt.Errorf("decoding %s: %w", item.Key(), err)
			}
			out = append(out, rec)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func decode(val []byte) (task.IterationRecord, error) {
	var sr storedRecord
	if err := json.Unmarshal(val, &sr); err != nil {
		return task.IterationRecord{}, err
	}
	rec := sr.IterationRecord
	if len(sr.Verdict) > 0 {
		v, err := verdict.Normalize(json.RawMessage(sr.Verdict))
		if err != nil {
			return task.IterationRecord{}, err
		}
		rec.Verdict = v
	}
	return rec, nil
}

// Runs returns a task's run IDs, oldest first.
func (s *Store) Runs(ctx context.Context, taskID string) ([]string, error) {
	return s.segments(ctx, keyPrefix+taskID+"/")
}

// Tasks returns the IDs of every task with at least one record, sorted.
func (s *Store) Tasks(ctx context.Context) ([]string, error) {
	return s.segments(ctx, keyPrefix)
}

// segments lists the distinct key segments directly under prefix.
func (s *Store) segments(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), prefix)
			seg, _, _ := strings.Cut(rest, "/")
			if !seen[seg] {
				seen[seg] = true
				out = append(out, seg)
			}
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

type badgerLogger struct {
	l *zap.SugaredLogger
}

func (b *badgerLogger) Errorf(format string, args ...interface{})   { b.l.Errorf(format, args...) }
func (b *badgerLogger) Warningf(format string, args ...interface{}) { b.l.Warnf(format, args...) }
func (b *badgerLogger) Infof(format string, args ...interface{})    { b.l.Debugf(format, args...) }
func (b *badgerLogger) Debugf(format string, args ...interface{})   { b.l.Debugf(format, args...) }
