package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig marks configuration errors detected at construction.
	ErrInvalidConfig = errors.New("invalid model config")
	// ErrShape marks ragged or mis-sized token batches.
	ErrShape = errors.New("invalid input shape")
	// ErrTokenRange marks token ids outside [0, vocab_size).
	ErrTokenRange = errors.New("token id out of range")
	// ErrBatchSize marks single-sequence generation called with a batch.
	ErrBatchSize = errors.New("single-sequence generation requires batch size 1")
)

type configError struct {
	msg string
}

func (e configError) Error() string { return "invalid model config: " + e.msg }

func (e configError) Unwrap() error { return ErrInvalidConfig }

func configErrorf(format string, args ...any) error {
	return configError{msg: fmt.Sprintf(format, args...)}
}
