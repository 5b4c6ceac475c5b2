package errors

import "errors"

var (
	// Engine errors
	ErrClosed        = errors.New("engine is closed")
	ErrInvalidConfig = errors.New("invalid config")
	ErrEmptyKey      = errors.New("empty key")

	// Storage errors
	ErrCorruption  = errors.New("corrupted data")
	ErrInvalidFile = errors.New("invalid sstable file")
)
