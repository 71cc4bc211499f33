package models

import "github.com/pkg/errors"

var (
	ErrUnknownDevice      = errors.New("unknown device")
	ErrSecretMismatch     = errors.New("claim secret mismatch")
	ErrMalformedTimestamp = errors.New("malformed timestamp")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("no data")
	ErrTimeout            = errors.New("timeout")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrBadInput           = errors.New("bad input")
	ErrRateLimited        = errors.New("rate limited")
	ErrAlreadyExists      = errors.New("already exists")
)

type storageError struct {
	op  string
	err error
}

func (e *storageError) Error() string { return e.op + ": " + e.err.Error() }

func (e *storageError) Unwrap() error { return e.err }

func (e *storageError) Is(target error) bool { return target == ErrStorageUnavailable }

// StorageFailure marks err as a transient backend failure while keeping the
// original cause reachable through errors.Is/As.
func StorageFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return &storageError{op: op, err: err}
}
