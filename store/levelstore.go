package store

import (
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"

	"github.com/chainqueue/chainqueue/txqueue"
)

// LevelStore persists one namespace of the queue as a single envelope blob in
// a LevelDB database. Multiple namespaces may share one database.
type LevelStore struct {
	lggr *zap.SugaredLogger
	db   *leveldb.DB
	key  []byte

	ownsDB bool
}

var _ txqueue.Store = &LevelStore{}

// OpenLevelStore opens (creating if needed) a LevelDB database at path and
// scopes the store to the given namespace. Close releases the database.
func OpenLevelStore(lggr *zap.SugaredLogger, path, namespace string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open leveldb at %s", path)
	}
	s := NewLevelStore(lggr, db, namespace)
	s.ownsDB = true
	return s, nil
}

// NewLevelStore wraps an already-open database; the caller keeps ownership.
func NewLevelStore(lggr *zap.SugaredLogger, db *leveldb.DB, namespace string) *LevelStore {
	return &LevelStore{
		lggr: lggr.Named("LevelStore"),
		db:   db,
		key:  []byte("txqueue/" + namespace),
	}
}

func (s *LevelStore) Load() ([]*txqueue.QueuedTransaction, error) {
	data, err := s.db.Get(s.key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read queue from leveldb")
	}
	return decode(data, s.lggr)
}

func (s *LevelStore) Save(txs []*txqueue.QueuedTransaction) error {
	data, err := encode(txs)
	if err != nil {
		return err
	}
	if err := s.db.Put(s.key, data, nil); err != nil {
		return errors.Wrap(err, "failed to write queue to leveldb")
	}
	return nil
}

func (s *LevelStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
