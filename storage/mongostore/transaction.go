package mongostore

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/questline/questline/storage"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// codeIllegalOperation is raised when a standalone server is asked to start
// a transaction.
const codeIllegalOperation = 20

// Transaction applies ops in order. On replica sets and mongos the whole
// batch runs inside a multi-document transaction. Standalone servers have no
// transactions, so the adapter falls back to sequential execution with a
// snapshot rollback: a failure midway restores the touched keys to their
// pre-transaction state, but the rollback is best-effort and concurrent
// readers can observe intermediate values.
func (s *Store) Transaction(ctx context.Context, ops []storage.Op) ([]interface{}, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if !supportedOp(op.Kind) {
			return nil, storage.ErrTxUnsupportedOp
		}
	}
	if len(ops) == 0 {
		return []interface{}{}, nil
	}
	if s.transactable() {
		results, err := s.runSession(ctx, db, ops)
		if err == nil {
			return results, nil
		}
		if !isNoTransactions(err) {
			return nil, err
		}
		s.markNoTransactions()
		log.Debug("Deployment lacks multi-document transactions, using sequential fallback")
	}
	return s.runSequential(ctx, db, ops)
}

func supportedOp(kind storage.OpKind) bool {
	switch kind {
	case storage.OpSet, storage.OpDelete, storage.OpIncrBy, storage.OpExpire,
		storage.OpHSet, storage.OpHIncrBy, storage.OpLPush, storage.OpRPush,
		storage.OpLTrim, storage.OpSAdd, storage.OpSRem, storage.OpZAdd,
		storage.OpZIncrBy, storage.OpZRem:
		return true
	default:
		return false
	}
}

// transactable reports whether the deployment is still believed to accept
// sessions; true until a probe proves otherwise.
func (s *Store) transactable() bool {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return !s.sessionsProbed || s.sessionsWorking
}

func (s *Store) markNoTransactions() {
	s.sessionsMu.Lock()
	s.sessionsProbed = true
	s.sessionsWorking = false
	s.sessionsMu.Unlock()
}

func (s *Store) markTransactable() {
	s.sessionsMu.Lock()
	s.sessionsProbed = true
	s.sessionsWorking = true
	s.sessionsMu.Unlock()
}

func isNoTransactions(err error) bool {
	if hasCode(err, codeIllegalOperation) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "Transaction numbers")
}

func (s *Store) runSession(ctx context.Context, db *mongo.Database, ops []storage.Op) ([]interface{}, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return nil, errors.Wrap(err, "mongostore: start session")
	}
	defer sess.EndSession(ctx)
	out, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		results := make([]interface{}, 0, len(ops))
		for _, op := range ops {
			res, err := applyOp(sc, db, op)
			if err != nil {
				return nil, err
			}
			results = append(results, res)
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	s.markTransactable()
	return out.([]interface{}), nil
}

func (s *Store) runSequential(ctx context.Context, db *mongo.Database, ops []storage.Op) ([]interface{}, error) {
	touched := make([]string, 0, len(ops))
	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if !seen[op.Key] {
			seen[op.Key] = true
			touched = append(touched, op.Key)
		}
	}
	snaps := make([]*keySnapshot, 0, len(touched))
	for _, key := range touched {
		snap, err := snapshotKey(ctx, db, key)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	results := make([]interface{}, 0, len(ops))
	for _, op := range ops {
		res, err := applyOp(ctx, db, op)
		if err != nil {
			for _, snap := range snaps {
				if rbErr := snap.restore(ctx, db); rbErr != nil {
					log.WithError(rbErr).WithField("key", snap.key).Error("Transaction rollback failed")
				}
			}
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func applyOp(ctx context.Context, db *mongo.Database, op storage.Op) (interface{}, error) {
	switch op.Kind {
	case storage.OpSet:
		return nil, setOne(ctx, db, op.Key, op.Value, op.TTL)
	case storage.OpDelete:
		return deleteOne(ctx, db, op.Key)
	case storage.OpIncrBy:
		return incrBy(ctx, db, op.Key, op.Delta)
	case storage.OpExpire:
		return expireOne(ctx, db, op.Key, op.TTL)
	case storage.OpHSet:
		return nil, hsetOne(ctx, db, op.Key, op.Field, op.Value)
	case storage.OpHIncrBy:
		return hincrBy(ctx, db, op.Key, op.Field, op.Delta)
	case storage.OpLPush:
		return push(ctx, db, op.Key, op.Values, true)
	case storage.OpRPush:
		return push(ctx, db, op.Key, op.Values, false)
	case storage.OpLTrim:
		return nil, ltrim(ctx, db, op.Key, op.Start, op.Stop)
	case storage.OpSAdd:
		return sadd(ctx, db, op.Key, op.Values)
	case storage.OpSRem:
		return srem(ctx, db, op.Key, op.Values)
	case storage.OpZAdd:
		return zadd(ctx, db, op.Key, op.Entries)
	case storage.OpZIncrBy:
		return zincrBy(ctx, db, op.Key, op.Member, op.Score)
	case storage.OpZRem:
		return zrem(ctx, db, op.Key, op.Values)
	default:
		return nil, storage.ErrTxUnsupportedOp
	}
}

// keySnapshot captures one key's full state so a failed sequential
// transaction can put it back.
type keySnapshot struct {
	key  string
	reg  *keyDoc
	coll string
	docs []bson.M
}

func snapshotKey(ctx context.Context, db *mongo.Database, key string) (*keySnapshot, error) {
	snap := &keySnapshot{key: key}
	var reg keyDoc
	err := db.Collection(collKeys).FindOne(ctx, bson.M{"_id": key}).Decode(&reg)
	if err == mongo.ErrNoDocuments {
		return snap, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mongostore: snapshot registry")
	}
	snap.reg = &reg
	coll, filter := dataFilter(reg.Kind, key)
	cur, err := db.Collection(coll).Find(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "mongostore: snapshot data")
	}
	if err := cur.All(ctx, &snap.docs); err != nil {
		return nil, errors.Wrap(err, "mongostore: snapshot decode")
	}
	snap.coll = coll
	return snap, nil
}

func (snap *keySnapshot) restore(ctx context.Context, db *mongo.Database) error {
	if err := wipeKey(ctx, db, snap.key); err != nil {
		return err
	}
	if snap.reg == nil {
		return nil
	}
	if _, err := db.Collection(collKeys).InsertOne(ctx, snap.reg); err != nil {
		return errors.Wrap(err, "mongostore: restore registry")
	}
	if len(snap.docs) == 0 {
		return nil
	}
	docs := make([]interface{}, len(snap.docs))
	for i := range snap.docs {
		docs[i] = snap.docs[i]
	}
	_, err := db.Collection(snap.coll).InsertMany(ctx, docs)
	return errors.Wrap(err, "mongostore: restore data")
}

// wipeKey removes a key from the registry and every data collection,
// whatever kind it currently holds.
func wipeKey(ctx context.Context, db *mongo.Database, key string) error {
	for _, c := range []string{collStrings, collLists} {
		if _, err := db.Collection(c).DeleteMany(ctx, bson.M{"_id": key}); err != nil {
			return errors.Wrap(err, "mongostore: wipe key")
		}
	}
	for _, c := range []string{collHashes, collSets, collZSets} {
		if _, err := db.Collection(c).DeleteMany(ctx, bson.M{"k": key}); err != nil {
			return errors.Wrap(err, "mongostore: wipe key")
		}
	}
	_, err := db.Collection(collKeys).DeleteMany(ctx, bson.M{"_id": key})
	return errors.Wrap(err, "mongostore: wipe registry")
}
