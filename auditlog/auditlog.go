// Package auditlog persists a record of every privileged admin action to an
// embedded bolt database, so that resets and manual awards stay reviewable
// after the fact. The log is append-only from the engine's point of view;
// pruning happens by retention count, oldest first.
package auditlog

import (
	"encoding/json"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/questline/questline/config/params"
	"github.com/questline/questline/io/file"
	bolt "go.etcd.io/bbolt"
)

var databaseFileName = "auditlog.db"

var auditBucket = []byte("admin-audit")

// Entry is one recorded admin action.
type Entry struct {
	// ID is assigned at record time.
	ID string `json:"id"`
	// Actor identifies the admin credential that performed the action.
	Actor string `json:"actor"`
	// Action names the operation, e.g. "reset_user" or "award_points".
	Action string `json:"action"`
	// Target is the affected user or resource.
	Target string `json:"target"`
	// Detail carries action-specific fields.
	Detail map[string]interface{} `json:"detail,omitempty"`
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
}

// Store writes audit entries to a bolt database.
type Store struct {
	db           *bolt.DB
	databasePath string
	retention    int
}

// NewStore initializes a bolt store at the directory path specified, creates
// the audit bucket, and keeps the open connection as a property of the Store.
// Retention bounds how many entries are kept; zero means 10000.
func NewStore(dirPath string, retention int) (*Store, error) {
	if err := file.MkdirAll(dirPath); err != nil {
		return nil, err
	}
	if retention <= 0 {
		retention = 10000
	}
	datafile := path.Join(dirPath, databaseFileName)
	ioCfg := params.QuestlineIoConfig()
	boltDB, err := bolt.Open(datafile, ioCfg.ReadWritePermissions, &bolt.Options{Timeout: ioCfg.BoltTimeout})
	if err != nil {
		if err == bolt.ErrTimeout {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}
	store := &Store{db: boltDB, databasePath: dirPath, retention: retention}
	if err := store.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(auditBucket)
		return err
	}); err != nil {
		return nil, err
	}
	return store, nil
}

// Close closes the underlying bolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DatabasePath at which this database writes files.
func (s *Store) DatabasePath() string {
	return s.databasePath
}

// ClearDB removes any previously stored data at the configured directory.
func (s *Store) ClearDB() error {
	if _, err := os.Stat(s.databasePath); os.IsNotExist(err) {
		return nil
	}
	return os.Remove(path.Join(s.databasePath, databaseFileName))
}

// Record appends one entry. Keys are nano-timestamp prefixed so a cursor
// walks entries in write order.
func (s *Store) Record(actor, action, target string, detail map[string]interface{}) (*Entry, error) {
	e := &Entry{
		ID:        uuid.NewString(),
		Actor:     actor,
		Action:    action,
		Target:    target,
		Detail:    detail,
		Timestamp: time.Now().UnixMilli(),
	}
	value, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "auditlog: marshal entry")
	}
	key := []byte(time.Now().UTC().Format(time.RFC3339Nano) + "-" + e.ID)
	err = s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(auditBucket)
		if err := bkt.Put(key, value); err != nil {
			return err
		}
		return pruneOldest(bkt, s.retention)
	})
	if err != nil {
		return nil, errors.Wrap(err, "auditlog: record entry")
	}
	recordedTotal.Inc()
	return e, nil
}

// pruneOldest deletes entries beyond the retention bound, oldest first. The
// count walks a cursor rather than bucket stats so the current transaction's
// pending put is included.
func pruneOldest(bkt *bolt.Bucket, retention int) error {
	n := 0
	c := bkt.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	for excess := n - retention; excess > 0; excess-- {
		cur := bkt.Cursor()
		k, _ := cur.First()
		if k == nil {
			return nil
		}
		if err := bkt.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// List returns up to limit entries, newest first. A non-positive limit
// returns everything retained.
func (s *Store) List(limit int) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(auditBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return errors.Wrap(err, "auditlog: corrupt entry")
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count reports how many entries are currently retained.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(auditBucket).Stats().KeyN
		return nil
	})
	return n, err
}
