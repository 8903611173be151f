package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/vnmchuo/usage-meter/internal/metrics"
	"github.com/vnmchuo/usage-meter/internal/stats"
)

const fileBackend = "file"

// FileStore keeps one JSON document per turn, named "<key>.json", in dir.
// Records are written to a temporary file and renamed into place so a
// concurrent reader sees either the old record, the new one, or nothing.
type FileStore struct {
	dir string
	log *zap.Logger
}

func NewFileStore(dir string, log *zap.Logger) *FileStore {
	return &FileStore{dir: dir, log: log}
}

func (s *FileStore) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, key+".json"), nil
}

func (s *FileStore) Write(ctx context.Context, key string, r stats.Record) (err error) {
	defer func() { metrics.RecordLedgerOp(fileBackend, "write", outcomeOf(err)) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.path(key)
	if err != nil {
		return err
	}

	data, err := encodeRecord(r)
	if err != nil {
		return fmt.Errorf("failed to encode usage record: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp record: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write usage record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync usage record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close usage record: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to set record permissions: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("failed to commit usage record: %w", err)
	}
	committed = true

	s.log.Debug("usage record written", zap.String("key", key), zap.String("path", target))
	return nil
}

func (s *FileStore) Read(ctx context.Context, key string) (rec stats.Record, err error) {
	defer func() { metrics.RecordLedgerOp(fileBackend, "read", outcomeOf(err)) }()

	if err := ctx.Err(); err != nil {
		return stats.Record{}, &ReadError{Key: key, Err: err}
	}
	target, err := s.path(key)
	if err != nil {
		return stats.Record{}, &ReadError{Key: key, Err: err}
	}

	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return stats.Record{}, ErrNotFound
		}
		return stats.Record{}, &ReadError{Key: key, Err: err}
	}

	rec, err = decodeRecord(data)
	if err != nil {
		return stats.Record{}, &ReadError{Key: key, Err: err}
	}
	return rec, nil
}
