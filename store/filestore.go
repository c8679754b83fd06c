package store

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/chainqueue/chainqueue/txqueue"
)

// FileStore persists one namespace of the queue to a JSON file. Writes go
// through a temp file and rename so a crash never leaves a half-written
// queue behind.
type FileStore struct {
	lggr *zap.SugaredLogger
	dir  string
	path string
	mu   sync.Mutex
}

var _ txqueue.Store = &FileStore{}

func NewFileStore(lggr *zap.SugaredLogger, dir, namespace string) *FileStore {
	return &FileStore{
		lggr: lggr.Named("FileStore"),
		dir:  dir,
		path: filepath.Join(dir, namespace+".json"),
	}
}

func (s *FileStore) Load() ([]*txqueue.QueuedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", s.path)
	}
	return decode(data, s.lggr)
}

func (s *FileStore) Save(txs []*txqueue.QueuedTransaction) error {
	data, err := encode(txs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", s.dir)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrapf(err, "failed to rename %s", tmp)
	}
	return nil
}
