package stream

import "errors"

var (
	// ErrInvalidArgument marks malformed input rejected before any broker call.
	ErrInvalidArgument = errors.New("stream: invalid argument")
	ErrEmptyBatch      = errors.New("stream: empty batch")
	ErrNoPartitions    = errors.New("stream: topic has no partitions")
)
