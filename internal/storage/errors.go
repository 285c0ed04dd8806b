package storage

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// StorageError wraps a database failure with the operation that hit
// it. Transient errors are retried by the bulk loader; persistent ones
// mark the community failed.
type StorageError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// isTransient classifies errors worth retrying: connection drops,
// timeouts, serialization failures, deadlocks, and resource-pressure
// conditions. Constraint violations and syntax errors are not.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"53100", // disk_full
			"53200", // out_of_memory
			"53300", // too_many_connections
			"57P03", // cannot_connect_now
			"08000", // connection_exception
			"08003", // connection_does_not_exist
			"08006": // connection_failure
			return true
		}
		return false
	}

	// Unclassified errors (driver-level, closed conns) get one retry
	// cycle rather than failing the community outright.
	return pgconn.SafeToRetry(err)
}
