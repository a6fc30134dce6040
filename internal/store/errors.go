package store

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrExecutorClosed indicates that the store no longer accepts writes.
	ErrExecutorClosed = errors.New("store: executor closed")
	noOpLogger        = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew     = "store.new"
	opCommit       = "store.commit"
	opQuery        = "store.query"
	reasonTxFailed = "transaction_failed"
	reasonClosed   = "executor_closed"
	reasonCanceled = "canceled"
	reasonQuery    = "query_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
