// Package mongostore implements the storage contract on MongoDB. A registry
// collection carries each key's kind and expiry; per-kind collections hold
// the data, one document per hash field, set member, and sorted-set member so
// counters and membership writes stay single-document atomic. Transactions
// use a causally consistent session where the deployment supports one;
// against a standalone server the adapter falls back to sequential execution
// with a best-effort snapshot rollback, which is weaker than the contract's
// all-or-nothing guarantee.
package mongostore

import (
	"context"
	stderrors "errors"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/questline/questline/async"
	"github.com/questline/questline/config/params"
	"github.com/questline/questline/encoding/wildcard"
	"github.com/questline/questline/storage"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var log = logrus.WithField("prefix", "mongostore")

var _ storage.Store = (*Store)(nil)

const (
	kindString int32 = iota
	kindHash
	kindList
	kindSet
	kindZSet
)

const (
	collKeys    = "ql_keys"
	collStrings = "ql_strings"
	collHashes  = "ql_hashes"
	collLists   = "ql_lists"
	collSets    = "ql_sets"
	collZSets   = "ql_zsets"
)

// codeTypeMismatch is the server error raised when $inc hits a non-numeric
// value.
const codeTypeMismatch = 14

type keyDoc struct {
	Key      string     `bson:"_id"`
	Kind     int32      `bson:"kind"`
	ExpireAt *time.Time `bson:"expireAt,omitempty"`
}

type strDoc struct {
	Key string      `bson:"_id"`
	V   interface{} `bson:"v"`
}

type hashDoc struct {
	K string      `bson:"k"`
	F string      `bson:"f"`
	V interface{} `bson:"v"`
}

type listDoc struct {
	Key   string   `bson:"_id"`
	Items []string `bson:"items"`
}

type setDoc struct {
	K string `bson:"k"`
	M string `bson:"m"`
}

type zsetDoc struct {
	K string  `bson:"k"`
	M string  `bson:"m"`
	S float64 `bson:"s"`
}

// Store adapts a MongoDB database to the storage contract.
type Store struct {
	mu        sync.Mutex
	uri       string
	dbName    string
	client    *mongo.Client
	db        *mongo.Database
	connected bool
	cancel    context.CancelFunc

	// sessions reports whether the deployment accepts multi-document
	// transactions; probed on first use.
	sessionsMu      sync.Mutex
	sessionsProbed  bool
	sessionsWorking bool
}

// New builds a disconnected store for a mongodb:// URI and database name.
func New(uri, dbName string) *Store {
	return &Store{uri: uri, dbName: dbName}
}

// Connect dials the deployment, builds the indexes, and starts the
// expired-key janitor. Connecting twice is a no-op.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.uri))
	if err != nil {
		return errors.Wrap(err, "mongostore: connect")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		if dcErr := client.Disconnect(ctx); dcErr != nil {
			log.WithError(dcErr).Debug("Could not disconnect failed client")
		}
		return errors.Wrap(err, "mongostore: ping")
	}
	db := client.Database(s.dbName)
	if err := ensureIndexes(ctx, db); err != nil {
		if dcErr := client.Disconnect(ctx); dcErr != nil {
			log.WithError(dcErr).Debug("Could not disconnect failed client")
		}
		return err
	}
	s.client = client
	s.db = db
	s.connected = true

	jctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	interval := params.Config().JanitorInterval()
	if interval < time.Minute {
		interval = time.Minute
	}
	async.RunEvery(jctx, interval, func() { s.sweep(jctx) })
	log.WithField("database", s.dbName).Debug("Connected to mongodb")
	return nil
}

// codeNamespaceExists is returned by createCollection when the collection is
// already there.
const codeNamespaceExists = 48

func ensureIndexes(ctx context.Context, db *mongo.Database) error {
	// Collections are created eagerly because servers before 4.4 refuse to
	// create them implicitly inside a transaction.
	for _, coll := range []string{collKeys, collStrings, collHashes, collLists, collSets, collZSets} {
		if err := db.CreateCollection(ctx, coll); err != nil && !hasCode(err, codeNamespaceExists) {
			return errors.Wrapf(err, "mongostore: create %s", coll)
		}
	}
	unique := options.Index().SetUnique(true)
	models := map[string][]mongo.IndexModel{
		collKeys: {
			{Keys: bson.D{{Key: "expireAt", Value: 1}}, Options: options.Index().SetSparse(true)},
		},
		collHashes: {
			{Keys: bson.D{{Key: "k", Value: 1}, {Key: "f", Value: 1}}, Options: unique},
		},
		collSets: {
			{Keys: bson.D{{Key: "k", Value: 1}, {Key: "m", Value: 1}}, Options: unique},
		},
		collZSets: {
			{Keys: bson.D{{Key: "k", Value: 1}, {Key: "m", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "k", Value: 1}, {Key: "s", Value: 1}, {Key: "m", Value: 1}}},
		},
	}
	for coll, ms := range models {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, ms); err != nil {
			return errors.Wrapf(err, "mongostore: index %s", coll)
		}
	}
	return nil
}

// Disconnect cancels the janitor and closes the client.
func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	s.connected = false
	s.cancel()
	return errors.Wrap(s.client.Disconnect(ctx), "mongostore: disconnect")
}

// Connected reports whether the store is usable.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Ping verifies the primary answers.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.conn(); err != nil {
		return err
	}
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) conn() (*mongo.Database, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, storage.ErrNotConnected
	}
	return s.db, nil
}

// sweep removes expired keys and their data documents.
func (s *Store) sweep(ctx context.Context) {
	db, err := s.conn()
	if err != nil {
		return
	}
	cur, err := db.Collection(collKeys).Find(ctx, bson.M{"expireAt": bson.M{"$lte": time.Now()}})
	if err != nil {
		log.WithError(err).Warn("Expired key sweep failed")
		return
	}
	var doomed []keyDoc
	if err := cur.All(ctx, &doomed); err != nil {
		log.WithError(err).Warn("Expired key sweep decode failed")
		return
	}
	for i := range doomed {
		if err := purgeKey(ctx, db, doomed[i].Key, doomed[i].Kind); err != nil {
			log.WithError(err).WithField("key", doomed[i].Key).Warn("Could not purge expired key")
		}
	}
}

func notExpired(now time.Time) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"expireAt": bson.M{"$exists": false}},
		bson.M{"expireAt": nil},
		bson.M{"expireAt": bson.M{"$gt": now}},
	}}
}

// keyState reads the registry, lazily purging an expired key.
func keyState(ctx context.Context, db *mongo.Database, key string) (int32, bool, error) {
	var doc keyDoc
	err := db.Collection(collKeys).FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "mongostore: read key registry")
	}
	if doc.ExpireAt != nil && !doc.ExpireAt.After(time.Now()) {
		if err := purgeKey(ctx, db, key, doc.Kind); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}
	return doc.Kind, true, nil
}

func liveOfKind(ctx context.Context, db *mongo.Database, key string, want int32) (bool, error) {
	kind, exists, err := keyState(ctx, db, key)
	if err != nil || !exists {
		return false, err
	}
	if kind != want {
		return false, storage.ErrWrongType
	}
	return true, nil
}

func ensureKind(ctx context.Context, db *mongo.Database, key string, want int32) error {
	exists, err := liveOfKind(ctx, db, key, want)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = db.Collection(collKeys).UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"kind": want}},
		options.Update().SetUpsert(true))
	return errors.Wrap(err, "mongostore: register key")
}

func dataFilter(kind int32, key string) (string, bson.M) {
	switch kind {
	case kindString:
		return collStrings, bson.M{"_id": key}
	case kindHash:
		return collHashes, bson.M{"k": key}
	case kindList:
		return collLists, bson.M{"_id": key}
	case kindSet:
		return collSets, bson.M{"k": key}
	default:
		return collZSets, bson.M{"k": key}
	}
}

func purgeKey(ctx context.Context, db *mongo.Database, key string, kind int32) error {
	coll, filter := dataFilter(kind, key)
	if _, err := db.Collection(coll).DeleteMany(ctx, filter); err != nil {
		return errors.Wrap(err, "mongostore: purge data")
	}
	_, err := db.Collection(collKeys).DeleteOne(ctx, bson.M{"_id": key})
	return errors.Wrap(err, "mongostore: purge registry")
}

// dropIfEmpty removes the registry row once a collection key has no data
// documents left.
func dropIfEmpty(ctx context.Context, db *mongo.Database, key string, kind int32) error {
	coll, filter := dataFilter(kind, key)
	n, err := db.Collection(coll).CountDocuments(ctx, filter)
	if err != nil {
		return errors.Wrap(err, "mongostore: count data")
	}
	if n > 0 {
		return nil
	}
	_, err = db.Collection(collKeys).DeleteOne(ctx, bson.M{"_id": key})
	return errors.Wrap(err, "mongostore: drop empty key")
}

// stringify renders a stored value, which is a string except for counter
// documents written by $inc.
func stringify(v interface{}) string {
	switch n := v.(type) {
	case string:
		return n
	case int32:
		return strconv.FormatInt(int64(n), 10)
	case int64:
		return strconv.FormatInt(n, 10)
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	default:
		return ""
	}
}

func counterValue(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n == math.Trunc(n) {
			return int64(n), nil
		}
		return 0, storage.ErrNotInteger
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, storage.ErrNotInteger
		}
		return parsed, nil
	default:
		return 0, storage.ErrNotInteger
	}
}

func hasCode(err error, code int) bool {
	var se mongo.ServerError
	if stderrors.As(err, &se) {
		return se.HasErrorCode(code)
	}
	return false
}

func (s *Store) Get(ctx context.Context, key string) (*string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	return getOne(ctx, db, key)
}

func getOne(ctx context.Context, db *mongo.Database, key string) (*string, error) {
	exists, err := liveOfKind(ctx, db, key, kindString)
	if err != nil || !exists {
		return nil, err
	}
	var doc strDoc
	err = db.Collection(collStrings).FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mongostore: get")
	}
	v := stringify(doc.V)
	return &v, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	return setOne(ctx, db, key, value, ttl)
}

// setOne mirrors Redis SET: it overwrites any existing key regardless of
// kind and replaces the TTL.
func setOne(ctx context.Context, db *mongo.Database, key, value string, ttl time.Duration) error {
	kind, exists, err := keyState(ctx, db, key)
	if err != nil {
		return err
	}
	if exists && kind != kindString {
		if err := purgeKey(ctx, db, key, kind); err != nil {
			return err
		}
	}
	reg := bson.M{"kind": kindString}
	unset := bson.M{}
	if ttl > 0 {
		reg["expireAt"] = time.Now().Add(ttl)
	} else {
		unset["expireAt"] = ""
	}
	update := bson.M{"$set": reg}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	if _, err := db.Collection(collKeys).UpdateOne(ctx,
		bson.M{"_id": key}, update, options.Update().SetUpsert(true)); err != nil {
		return errors.Wrap(err, "mongostore: set registry")
	}
	_, err = db.Collection(collStrings).UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"v": value}},
		options.Update().SetUpsert(true))
	return errors.Wrap(err, "mongostore: set value")
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	return deleteOne(ctx, db, key)
}

func deleteOne(ctx context.Context, db *mongo.Database, key string) (bool, error) {
	kind, exists, err := keyState(ctx, db, key)
	if err != nil || !exists {
		return false, err
	}
	return true, purgeKey(ctx, db, key, kind)
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	_, exists, err := keyState(ctx, db, key)
	return exists, err
}

func (s *Store) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	filter := bson.M{"_id": bson.M{"$in": keys}, "kind": kindString}
	for k, v := range notExpired(time.Now()) {
		filter[k] = v
	}
	cur, err := db.Collection(collKeys).Find(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "mongostore: mget registry")
	}
	var live []keyDoc
	if err := cur.All(ctx, &live); err != nil {
		return nil, errors.Wrap(err, "mongostore: mget registry decode")
	}
	liveKeys := make([]string, 0, len(live))
	for i := range live {
		liveKeys = append(liveKeys, live[i].Key)
	}
	if len(liveKeys) == 0 {
		return out, nil
	}
	cur, err = db.Collection(collStrings).Find(ctx, bson.M{"_id": bson.M{"$in": liveKeys}})
	if err != nil {
		return nil, errors.Wrap(err, "mongostore: mget values")
	}
	var docs []strDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "mongostore: mget decode")
	}
	for i := range docs {
		out[docs[i].Key] = stringify(docs[i].V)
	}
	return out, nil
}

func (s *Store) MSet(ctx context.Context, pairs map[string]string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	for k, v := range pairs {
		if err := setOne(ctx, db, k, v, 0); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	re, err := wildcard.Cached(pattern)
	if err != nil {
		return nil, err
	}
	filter := bson.M{"_id": primitive.Regex{Pattern: re.String()}}
	for k, v := range notExpired(time.Now()) {
		filter[k] = v
	}
	cur, err := db.Collection(collKeys).Find(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "mongostore: keys")
	}
	var docs []keyDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "mongostore: keys decode")
	}
	keys := make([]string, 0, len(docs))
	for i := range docs {
		keys = append(keys, docs[i].Key)
	}
	return keys, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	return expireOne(ctx, db, key, ttl)
}

func expireOne(ctx context.Context, db *mongo.Database, key string, ttl time.Duration) (bool, error) {
	_, exists, err := keyState(ctx, db, key)
	if err != nil || !exists {
		return false, err
	}
	var update bson.M
	if ttl > 0 {
		update = bson.M{"$set": bson.M{"expireAt": time.Now().Add(ttl)}}
	} else {
		update = bson.M{"$unset": bson.M{"expireAt": ""}}
	}
	if _, err := db.Collection(collKeys).UpdateOne(ctx, bson.M{"_id": key}, update); err != nil {
		return false, errors.Wrap(err, "mongostore: expire")
	}
	return true, nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	db, err := s.conn()
	if err != nil {
		return storage.TTLMissing, err
	}
	var doc keyDoc
	err = db.Collection(collKeys).FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return storage.TTLMissing, nil
	}
	if err != nil {
		return storage.TTLMissing, errors.Wrap(err, "mongostore: ttl")
	}
	if doc.ExpireAt == nil {
		return storage.TTLNoExpiry, nil
	}
	left := time.Until(*doc.ExpireAt)
	if left <= 0 {
		return storage.TTLMissing, nil
	}
	return left, nil
}

func (s *Store) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	return incrBy(ctx, db, key, delta)
}

func (s *Store) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	return s.Increment(ctx, key, -delta)
}

// incrBy applies $inc through findOneAndUpdate so concurrent increments
// never lose updates. Values written by Set are strings; the first increment
// on such a key migrates it to a numeric document.
func incrBy(ctx context.Context, db *mongo.Database, key string, delta int64) (int64, error) {
	exists, err := liveOfKind(ctx, db, key, kindString)
	if err != nil {
		return 0, err
	}
	if !exists {
		if err := ensureKind(ctx, db, key, kindString); err != nil {
			return 0, err
		}
	}
	for attempt := 0; attempt < 5; attempt++ {
		var doc strDoc
		err := db.Collection(collStrings).FindOneAndUpdate(ctx,
			bson.M{"_id": key},
			bson.M{"$inc": bson.M{"v": delta}},
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
		).Decode(&doc)
		if err == nil {
			return counterValue(doc.V)
		}
		if !hasCode(err, codeTypeMismatch) {
			return 0, errors.Wrap(err, "mongostore: increment")
		}
		// The value is a string; migrate it to a number and retry.
		var cur strDoc
		if err := db.Collection(collStrings).FindOne(ctx, bson.M{"_id": key}).Decode(&cur); err != nil {
			return 0, errors.Wrap(err, "mongostore: read counter")
		}
		n, err := counterValue(cur.V)
		if err != nil {
			return 0, err
		}
		// CAS on the old value; losing the race just means another
		// writer migrated first, so retry the $inc either way.
		if _, err := db.Collection(collStrings).UpdateOne(ctx,
			bson.M{"_id": key, "v": cur.V},
			bson.M{"$set": bson.M{"v": n}}); err != nil {
			return 0, errors.Wrap(err, "mongostore: migrate counter")
		}
	}
	return 0, errors.New("mongostore: increment contention")
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	return hsetOne(ctx, db, key, field, value)
}

func hsetOne(ctx context.Context, db *mongo.Database, key, field, value string) error {
	if err := ensureKind(ctx, db, key, kindHash); err != nil {
		return err
	}
	_, err := db.Collection(collHashes).UpdateOne(ctx,
		bson.M{"k": key, "f": field},
		bson.M{"$set": bson.M{"v": value}},
		options.Update().SetUpsert(true))
	return errors.Wrap(err, "mongostore: hset")
}

func (s *Store) HGet(ctx context.Context, key, field string) (*string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	exists, err := liveOfKind(ctx, db, key, kindHash)
	if err != nil || !exists {
		return nil, err
	}
	var doc hashDoc
	err = db.Collection(collHashes).FindOne(ctx, bson.M{"k": key, "f": field}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mongostore: hget")
	}
	v := stringify(doc.V)
	return &v, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	exists, err := liveOfKind(ctx, db, key, kindHash)
	if err != nil || !exists {
		return out, err
	}
	cur, err := db.Collection(collHashes).Find(ctx, bson.M{"k": key})
	if err != nil {
		return nil, errors.Wrap(err, "mongostore: hgetall")
	}
	var docs []hashDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "mongostore: hgetall decode")
	}
	for i := range docs {
		out[docs[i].F] = stringify(docs[i].V)
	}
	return out, nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	if len(fields) == 0 {
		return 0, nil
	}
	exists, err := liveOfKind(ctx, db, key, kindHash)
	if err != nil || !exists {
		return 0, err
	}
	res, err := db.Collection(collHashes).DeleteMany(ctx,
		bson.M{"k": key, "f": bson.M{"$in": fields}})
	if err != nil {
		return 0, errors.Wrap(err, "mongostore: hdel")
	}
	return res.DeletedCount, dropIfEmpty(ctx, db, key, kindHash)
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	return hincrBy(ctx, db, key, field, delta)
}

func hincrBy(ctx context.Context, db *mongo.Database, key, field string, delta int64) (int64, error) {
	if err := ensureKind(ctx, db, key, kindHash); err != nil {
		return 0, err
	}
	for attempt := 0; attempt < 5; attempt++ {
		var doc hashDoc
		err := db.Collection(collHashes).FindOneAndUpdate(ctx,
			bson.M{"k": key, "f": field},
			bson.M{"$inc": bson.M{"v": delta}},
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
		).Decode(&doc)
		if err == nil {
			return counterValue(doc.V)
		}
		if !hasCode(err, codeTypeMismatch) {
			return 0, errors.Wrap(err, "mongostore: hincrby")
		}
		var cur hashDoc
		if err := db.Collection(collHashes).FindOne(ctx, bson.M{"k": key, "f": field}).Decode(&cur); err != nil {
			return 0, errors.Wrap(err, "mongostore: read hash counter")
		}
		n, err := counterValue(cur.V)
		if err != nil {
			return 0, err
		}
		if _, err := db.Collection(collHashes).UpdateOne(ctx,
			bson.M{"k": key, "f": field, "v": cur.V},
			bson.M{"$set": bson.M{"v": n}}); err != nil {
			return 0, errors.Wrap(err, "mongostore: migrate hash counter")
		}
	}
	return 0, errors.New("mongostore: hincrby contention")
}

func (s *Store) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	return push(ctx, db, key, values, true)
}

func (s *Store) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	return push(ctx, db, key, values, false)
}

func push(ctx context.Context, db *mongo.Database, key string, values []string, head bool) (int64, error) {
	if err := ensureKind(ctx, db, key, kindList); err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return listLen(ctx, db, key)
	}
	pushSpec := bson.M{"$each": values}
	if head {
		// LPush(a, b) leaves b at the head, so the batch is reversed
		// before insertion at position 0.
		rev := make([]string, len(values))
		for i, v := range values {
			rev[len(values)-1-i] = v
		}
		pushSpec = bson.M{"$each": rev, "$position": 0}
	}
	var doc listDoc
	err := db.Collection(collLists).FindOneAndUpdate(ctx,
		bson.M{"_id": key},
		bson.M{"$push": bson.M{"items": pushSpec}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, errors.Wrap(err, "mongostore: push")
	}
	return int64(len(doc.Items)), nil
}

func listLen(ctx context.Context, db *mongo.Database, key string) (int64, error) {
	var doc listDoc
	err := db.Collection(collLists).FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "mongostore: llen")
	}
	return int64(len(doc.Items)), nil
}

func (s *Store) LPop(ctx context.Context, key string) (*string, error) {
	return s.pop(ctx, key, true)
}

func (s *Store) RPop(ctx context.Context, key string) (*string, error) {
	return s.pop(ctx, key, false)
}

func (s *Store) pop(ctx context.Context, key string, head bool) (*string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	exists, err := liveOfKind(ctx, db, key, kindList)
	if err != nil || !exists {
		return nil, err
	}
	popSpec := 1
	if head {
		popSpec = -1
	}
	var before listDoc
	err = db.Collection(collLists).FindOneAndUpdate(ctx,
		bson.M{"_id": key},
		bson.M{"$pop": bson.M{"items": popSpec}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&before)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mongostore: pop")
	}
	if len(before.Items) == 0 {
		return nil, dropIfEmptyList(ctx, db, key)
	}
	var out string
	if head {
		out = before.Items[0]
	} else {
		out = before.Items[len(before.Items)-1]
	}
	if len(before.Items) == 1 {
		if err := dropIfEmptyList(ctx, db, key); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

// dropIfEmptyList removes an emptied list document and its registry row.
func dropIfEmptyList(ctx context.Context, db *mongo.Database, key string) error {
	if _, err := db.Collection(collLists).DeleteOne(ctx,
		bson.M{"_id": key, "items": bson.M{"$size": 0}}); err != nil {
		return errors.Wrap(err, "mongostore: drop empty list")
	}
	n, err := db.Collection(collLists).CountDocuments(ctx, bson.M{"_id": key})
	if err != nil {
		return errors.Wrap(err, "mongostore: count list")
	}
	if n > 0 {
		return nil
	}
	_, err = db.Collection(collKeys).DeleteOne(ctx, bson.M{"_id": key})
	return errors.Wrap(err, "mongostore: drop list registry")
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0)
	exists, err := liveOfKind(ctx, db, key, kindList)
	if err != nil || !exists {
		return out, err
	}
	var doc listDoc
	err = db.Collection(collLists).FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return out, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mongostore: lrange")
	}
	lo, hi, ok := normalizeRange(start, stop, int64(len(doc.Items)))
	if !ok {
		return out, nil
	}
	return append(out, doc.Items[lo:hi+1]...), nil
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	exists, err := liveOfKind(ctx, db, key, kindList)
	if err != nil || !exists {
		return 0, err
	}
	return listLen(ctx, db, key)
}

func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	return ltrim(ctx, db, key, start, stop)
}

func ltrim(ctx context.Context, db *mongo.Database, key string, start, stop int64) error {
	exists, err := liveOfKind(ctx, db, key, kindList)
	if err != nil || !exists {
		return err
	}
	var doc listDoc
	err = db.Collection(collLists).FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "mongostore: ltrim read")
	}
	lo, hi, ok := normalizeRange(start, stop, int64(len(doc.Items)))
	var window []string
	if ok {
		window = doc.Items[lo : hi+1]
	} else {
		window = []string{}
	}
	if _, err := db.Collection(collLists).UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"items": window}}); err != nil {
		return errors.Wrap(err, "mongostore: ltrim write")
	}
	if len(window) == 0 {
		return dropIfEmptyList(ctx, db, key)
	}
	return nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	return sadd(ctx, db, key, members)
}

func sadd(ctx context.Context, db *mongo.Database, key string, members []string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	if err := ensureKind(ctx, db, key, kindSet); err != nil {
		return 0, err
	}
	var added int64
	for _, m := range members {
		res, err := db.Collection(collSets).UpdateOne(ctx,
			bson.M{"k": key, "m": m},
			bson.M{"$setOnInsert": bson.M{"k": key, "m": m}},
			options.Update().SetUpsert(true))
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				continue // concurrent add of the same member
			}
			return added, errors.Wrap(err, "mongostore: sadd")
		}
		added += res.UpsertedCount
	}
	return added, nil
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	return srem(ctx, db, key, members)
}

func srem(ctx context.Context, db *mongo.Database, key string, members []string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	exists, err := liveOfKind(ctx, db, key, kindSet)
	if err != nil || !exists {
		return 0, err
	}
	res, err := db.Collection(collSets).DeleteMany(ctx,
		bson.M{"k": key, "m": bson.M{"$in": members}})
	if err != nil {
		return 0, errors.Wrap(err, "mongostore: srem")
	}
	return res.DeletedCount, dropIfEmpty(ctx, db, key, kindSet)
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0)
	exists, err := liveOfKind(ctx, db, key, kindSet)
	if err != nil || !exists {
		return out, err
	}
	cur, err := db.Collection(collSets).Find(ctx, bson.M{"k": key},
		options.Find().SetSort(bson.D{{Key: "m", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "mongostore: smembers")
	}
	var docs []setDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "mongostore: smembers decode")
	}
	for i := range docs {
		out = append(out, docs[i].M)
	}
	return out, nil
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	exists, err := liveOfKind(ctx, db, key, kindSet)
	if err != nil || !exists {
		return false, err
	}
	n, err := db.Collection(collSets).CountDocuments(ctx, bson.M{"k": key, "m": member})
	return n > 0, errors.Wrap(err, "mongostore: sismember")
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	exists, err := liveOfKind(ctx, db, key, kindSet)
	if err != nil || !exists {
		return 0, err
	}
	n, err := db.Collection(collSets).CountDocuments(ctx, bson.M{"k": key})
	return n, errors.Wrap(err, "mongostore: scard")
}

func (s *Store) ZAdd(ctx context.Context, key string, entries ...storage.SortedEntry) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	return zadd(ctx, db, key, entries)
}

func zadd(ctx context.Context, db *mongo.Database, key string, entries []storage.SortedEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	if err := ensureKind(ctx, db, key, kindZSet); err != nil {
		return 0, err
	}
	var added int64
	for _, e := range entries {
		res, err := db.Collection(collZSets).UpdateOne(ctx,
			bson.M{"k": key, "m": e.Member},
			bson.M{"$set": bson.M{"s": e.Score}},
			options.Update().SetUpsert(true))
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			return added, errors.Wrap(err, "mongostore: zadd")
		}
		added += res.UpsertedCount
	}
	return added, nil
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	return zrem(ctx, db, key, members)
}

func zrem(ctx context.Context, db *mongo.Database, key string, members []string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	exists, err := liveOfKind(ctx, db, key, kindZSet)
	if err != nil || !exists {
		return 0, err
	}
	res, err := db.Collection(collZSets).DeleteMany(ctx,
		bson.M{"k": key, "m": bson.M{"$in": members}})
	if err != nil {
		return 0, errors.Wrap(err, "mongostore: zrem")
	}
	return res.DeletedCount, dropIfEmpty(ctx, db, key, kindZSet)
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]storage.SortedEntry, error) {
	return s.zrange(ctx, key, start, stop, false)
}

func (s *Store) ZRevRange(ctx context.Context, key string, start, stop int64) ([]storage.SortedEntry, error) {
	return s.zrange(ctx, key, start, stop, true)
}

func (s *Store) zrange(ctx context.Context, key string, start, stop int64, rev bool) ([]storage.SortedEntry, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	out := make([]storage.SortedEntry, 0)
	exists, err := liveOfKind(ctx, db, key, kindZSet)
	if err != nil || !exists {
		return out, err
	}
	n, err := db.Collection(collZSets).CountDocuments(ctx, bson.M{"k": key})
	if err != nil {
		return nil, errors.Wrap(err, "mongostore: zrange count")
	}
	lo, hi, ok := normalizeRange(start, stop, n)
	if !ok {
		return out, nil
	}
	dir := 1
	if rev {
		dir = -1
	}
	cur, err := db.Collection(collZSets).Find(ctx, bson.M{"k": key},
		options.Find().
			SetSort(bson.D{{Key: "s", Value: dir}, {Key: "m", Value: dir}}).
			SetSkip(lo).
			SetLimit(hi-lo+1))
	if err != nil {
		return nil, errors.Wrap(err, "mongostore: zrange")
	}
	var docs []zsetDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "mongostore: zrange decode")
	}
	for i := range docs {
		out = append(out, storage.SortedEntry{Member: docs[i].M, Score: docs[i].S})
	}
	return out, nil
}

func (s *Store) ZRank(ctx context.Context, key, member string) (*int64, error) {
	return s.zrank(ctx, key, member, false)
}

func (s *Store) ZRevRank(ctx context.Context, key, member string) (*int64, error) {
	return s.zrank(ctx, key, member, true)
}

func (s *Store) zrank(ctx context.Context, key, member string, rev bool) (*int64, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	exists, err := liveOfKind(ctx, db, key, kindZSet)
	if err != nil || !exists {
		return nil, err
	}
	var doc zsetDoc
	err = db.Collection(collZSets).FindOne(ctx, bson.M{"k": key, "m": member}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mongostore: zrank score")
	}
	op, tie := "$lt", "$lt"
	if rev {
		op, tie = "$gt", "$gt"
	}
	filter := bson.M{"k": key, "$or": bson.A{
		bson.M{"s": bson.M{op: doc.S}},
		bson.M{"s": doc.S, "m": bson.M{tie: member}},
	}}
	rank, err := db.Collection(collZSets).CountDocuments(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "mongostore: zrank count")
	}
	return &rank, nil
}

func (s *Store) ZScore(ctx context.Context, key, member string) (*float64, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	exists, err := liveOfKind(ctx, db, key, kindZSet)
	if err != nil || !exists {
		return nil, err
	}
	var doc zsetDoc
	err = db.Collection(collZSets).FindOne(ctx, bson.M{"k": key, "m": member}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mongostore: zscore")
	}
	return &doc.S, nil
}

func (s *Store) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	exists, err := liveOfKind(ctx, db, key, kindZSet)
	if err != nil || !exists {
		return 0, err
	}
	score := bson.M{}
	if !math.IsInf(min, -1) {
		score["$gte"] = min
	}
	if !math.IsInf(max, 1) {
		score["$lte"] = max
	}
	filter := bson.M{"k": key}
	if len(score) > 0 {
		filter["s"] = score
	}
	n, err := db.Collection(collZSets).CountDocuments(ctx, filter)
	return n, errors.Wrap(err, "mongostore: zcount")
}

func (s *Store) ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	return zincrBy(ctx, db, key, member, delta)
}

func zincrBy(ctx context.Context, db *mongo.Database, key, member string, delta float64) (float64, error) {
	if err := ensureKind(ctx, db, key, kindZSet); err != nil {
		return 0, err
	}
	var doc zsetDoc
	err := db.Collection(collZSets).FindOneAndUpdate(ctx,
		bson.M{"k": key, "m": member},
		bson.M{"$inc": bson.M{"s": delta}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, errors.Wrap(err, "mongostore: zincrby")
	}
	return doc.S, nil
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	exists, err := liveOfKind(ctx, db, key, kindZSet)
	if err != nil || !exists {
		return 0, err
	}
	n, err := db.Collection(collZSets).CountDocuments(ctx, bson.M{"k": key})
	return n, errors.Wrap(err, "mongostore: zcard")
}

// normalizeRange maps Redis-style inclusive indices onto [lo, hi] within a
// collection of length n. ok is false when the window is empty.
func normalizeRange(start, stop, n int64) (lo, hi int64, ok bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start = n + start
		if start < 0 {
			start = 0
		}
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n || stop < 0 {
		return 0, 0, false
	}
	return start, stop, true
}
