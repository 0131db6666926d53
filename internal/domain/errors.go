package domain

import "errors"

var (
	// ErrInvalidInput marks a source that is neither a magnet URI nor a
	// recognizable torrent file. Rejected synchronously, never retried.
	ErrInvalidInput = errors.New("invalid torrent source")

	// ErrNotFound marks an operation against an unregistered info hash.
	ErrNotFound = errors.New("torrent not found")
)
