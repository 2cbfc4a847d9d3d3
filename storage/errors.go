package storage

import "github.com/pkg/errors"

var (
	// ErrNotConnected is returned by operations invoked before Connect or
	// after Disconnect.
	ErrNotConnected = errors.New("storage: not connected")
	// ErrWrongType is returned when an operation addresses a key holding a
	// different kind of value, mirroring the Redis WRONGTYPE reply.
	ErrWrongType = errors.New("storage: operation against a key holding the wrong kind of value")
	// ErrNotInteger is returned when Increment or HIncrBy addresses a value
	// that does not parse as an integer.
	ErrNotInteger = errors.New("storage: value is not an integer")
	// ErrTxUnsupportedOp is returned when a transaction contains an op the
	// adapter cannot execute atomically.
	ErrTxUnsupportedOp = errors.New("storage: unsupported operation in transaction")
)
