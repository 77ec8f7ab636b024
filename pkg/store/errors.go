package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store closed")

// ErrPlayerMismatch rejects a batch carrying rows of another player
var ErrPlayerMismatch = errors.New("write belongs to another player")

// CheckBatch validates that every write in a batch targets player
func CheckBatch(op string, player stats.PlayerID, writes []stats.Write) error {
	for _, w := range writes {
		if w.Row.Player != player {
			return Fatal(op, ErrPlayerMismatch)
		}
		if w.Row.Key == "" {
			return Fatal(op, stats.ErrInvalidKey)
		}
	}
	return nil
}

// TransientError is a failure worth retrying: network blips, pool exhaustion,
// serialization failures
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store error in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError aborts one operation: schema mismatch, constraint violations
// other than the version check, malformed data
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal store error in %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// Fatal wraps err as a FatalError
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Op: op, Err: err}
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err aborted the operation for good
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsNetwork reports errors that come from the connection rather than the query
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
