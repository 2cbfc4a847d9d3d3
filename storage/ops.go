package storage

import "time"

// OpKind enumerates the mutations allowed inside a Transaction. The set is
// closed so every adapter can map each op onto its native atomic primitive.
type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
	OpIncrBy
	OpExpire
	OpHSet
	OpHIncrBy
	OpLPush
	OpRPush
	OpLTrim
	OpSAdd
	OpSRem
	OpZAdd
	OpZIncrBy
	OpZRem
)

// Op is one mutation inside a Transaction. Construct ops with the helper
// functions below; the field set used depends on Kind.
type Op struct {
	Kind    OpKind
	Key     string
	Value   string
	Field   string
	Member  string
	Delta   int64
	Score   float64
	TTL     time.Duration
	Values  []string
	Entries []SortedEntry
	Start   int64
	Stop    int64
}

// SetOp stores value at key with an optional TTL (ttl <= 0 means none).
func SetOp(key, value string, ttl time.Duration) Op {
	return Op{Kind: OpSet, Key: key, Value: value, TTL: ttl}
}

// DeleteOp removes key.
func DeleteOp(key string) Op {
	return Op{Kind: OpDelete, Key: key}
}

// IncrByOp adds delta to the counter at key. Result: new value (int64).
func IncrByOp(key string, delta int64) Op {
	return Op{Kind: OpIncrBy, Key: key, Delta: delta}
}

// ExpireOp sets the TTL of key. Result: whether the key existed (bool).
func ExpireOp(key string, ttl time.Duration) Op {
	return Op{Kind: OpExpire, Key: key, TTL: ttl}
}

// HSetOp stores a hash field.
func HSetOp(key, field, value string) Op {
	return Op{Kind: OpHSet, Key: key, Field: field, Value: value}
}

// HIncrByOp adds delta to a hash field. Result: new value (int64).
func HIncrByOp(key, field string, delta int64) Op {
	return Op{Kind: OpHIncrBy, Key: key, Field: field, Delta: delta}
}

// LPushOp prepends values. Result: new length (int64).
func LPushOp(key string, values ...string) Op {
	return Op{Kind: OpLPush, Key: key, Values: values}
}

// RPushOp appends values. Result: new length (int64).
func RPushOp(key string, values ...string) Op {
	return Op{Kind: OpRPush, Key: key, Values: values}
}

// LTrimOp trims the list to the inclusive range [start, stop].
func LTrimOp(key string, start, stop int64) Op {
	return Op{Kind: OpLTrim, Key: key, Start: start, Stop: stop}
}

// SAddOp adds members to a set. Result: members newly added (int64).
func SAddOp(key string, members ...string) Op {
	return Op{Kind: OpSAdd, Key: key, Values: members}
}

// SRemOp removes members from a set. Result: members removed (int64).
func SRemOp(key string, members ...string) Op {
	return Op{Kind: OpSRem, Key: key, Values: members}
}

// ZAddOp upserts scored members. Result: members newly added (int64).
func ZAddOp(key string, entries ...SortedEntry) Op {
	return Op{Kind: OpZAdd, Key: key, Entries: entries}
}

// ZIncrByOp adds delta to member's score. Result: new score (float64).
func ZIncrByOp(key, member string, delta float64) Op {
	return Op{Kind: OpZIncrBy, Key: key, Member: member, Delta: 0, Score: delta}
}

// ZRemOp removes members from a sorted set. Result: members removed (int64).
func ZRemOp(key string, members ...string) Op {
	return Op{Kind: OpZRem, Key: key, Values: members}
}
