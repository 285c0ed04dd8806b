package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("load: %w", context.DeadlineExceeded), true},
		{"network error", timeoutErr{}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"not null violation", &pgconn.PgError{Code: "23502"}, false},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.err); got != tt.want {
				t.Errorf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStorageErrorUnwrap(t *testing.T) {
	cause := &pgconn.PgError{Code: "40001", Message: "could not serialize"}
	err := &StorageError{Op: "load post batch", Err: cause}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatal("StorageError must unwrap to the pg error")
	}
	if pgErr.Code != "40001" {
		t.Errorf("unwrapped code = %s, want 40001", pgErr.Code)
	}

	msg := err.Error()
	if msg == "" || msg == cause.Error() {
		t.Errorf("Error() should include the operation, got %q", msg)
	}
}

func TestNewBulkLoaderDefaults(t *testing.T) {
	l := NewBulkLoader(nil, 3, 0)
	if l.timeout != 2*time.Minute {
		t.Errorf("default timeout = %v, want 2m", l.timeout)
	}
}

func TestRawOrNil(t *testing.T) {
	if got := rawOrNil(nil); got != nil {
		t.Errorf("rawOrNil(nil) = %v, want nil", got)
	}
	if got := rawOrNil([]byte{}); got != nil {
		t.Errorf("rawOrNil(empty) = %v, want nil", got)
	}
	if got := rawOrNil([]byte(`{"a":1}`)); got == nil {
		t.Error("rawOrNil(payload) = nil, want payload")
	}
}

func TestNullableString(t *testing.T) {
	if got := nullableString(""); got != nil {
		t.Errorf("nullableString(\"\") = %v, want nil", got)
	}
	if got := nullableString("t1_abc"); got != "t1_abc" {
		t.Errorf("nullableString = %v, want t1_abc", got)
	}
}
