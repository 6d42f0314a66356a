package docdb

import (
	"errors"
	"fmt"
	"io"

	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrInvalidState is returned when a bulk insert session is used outside
	// of its allowed state sequence, e.g. Store after Close.
	ErrInvalidState = errors.New("invalid bulk insert state")

	ErrInvalidKey = errors.New("invalid document key")
	ErrNotFound   = errors.New("document not found")
	ErrClosed     = errors.New("database closed")
)

// ConcurrencyError reports a write rejected because of the existing state of
// its key: the key already exists and overwrites are not allowed, or the
// stored etag differs from the expected one.
type ConcurrencyError struct {
	Key      string
	Message  string
	Expected Etag
	Actual   Etag
}

func (e *ConcurrencyError) Error() string {
	return e.Message
}

func IsConcurrencyError(err error) bool {
	var ce *ConcurrencyError
	return errors.As(err, &ce)
}

func duplicateKeyConflict(key string, actual Etag) *ConcurrencyError {
	return &ConcurrencyError{
		Key:     key,
		Message: fmt.Sprintf("document with key '%s' already exists and checkForUpdates is false", key),
		Actual:  actual,
	}
}

func etagConflict(key string, expected, actual Etag) *ConcurrencyError {
	if actual.IsZero() {
		return &ConcurrencyError{
			Key:      key,
			Message:  fmt.Sprintf("document with key '%s' does not exist, expected etag %v", key, expected),
			Expected: expected,
		}
	}
	if expected.IsZero() {
		return duplicateKeyConflict(key, actual)
	}
	return &ConcurrencyError{
		Key:      key,
		Message:  fmt.Sprintf("document with key '%s' has etag %v, expected %v", key, actual, expected),
		Expected: expected,
		Actual:   actual,
	}
}

// StorageError wraps an engine or I/O failure. It terminates bulk insert
// sessions and is never retried.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func storageErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Key: key, Err: pkgerrors.WithStack(err)}
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

// Format prints the stack recorded when the error was wrapped with %+v.
func (e *StorageError) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v':
		if f.Flag('+') {
			if e.Key != "" {
				fmt.Fprintf(f, "storage: %s %s: %+v", e.Op, e.Key, e.Err)
			} else {
				fmt.Fprintf(f, "storage: %s: %+v", e.Op, e.Err)
			}
			return
		}
		fallthrough
	case 's':
		io.WriteString(f, e.Error())
	case 'q':
		fmt.Fprintf(f, "%q", e.Error())
	}
}

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x", e.Msg, e.Off, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x", e.Msg, e.Off, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x...%x", e.Msg, e.Off, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x...%x", e.Msg, e.Off, n, p, s)
		}
	}
}
