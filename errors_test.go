package docdb

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestStorageError_formatStack(t *testing.T) {
	err := storageErr("write", "foos/1", errors.New("disk full"))
	deepEqual(t, fmt.Sprintf("%v", err), "storage: write foos/1: disk full")
	deepEqual(t, fmt.Sprintf("%s", err), err.Error())

	verbose := fmt.Sprintf("%+v", err)
	if !strings.HasPrefix(verbose, "storage: write foos/1: disk full\n") {
		t.Errorf("** %%+v = %q, wanted the message first", verbose)
	}
	if !strings.Contains(verbose, "storageErr") {
		t.Errorf("** %%+v = %q, wanted a stack trace", verbose)
	}
}

func TestDataError_ErrorAndUnwrap(t *testing.T) {
	t.Run("small data", func(t *testing.T) {
		inner := errors.New("inner")
		err := dataErrf([]byte{0xAA, 0xBB}, 1, inner, "oops")
		var de *DataError
		if !errors.As(err, &de) {
			t.Fatalf("err = %T, wanted *DataError", err)
		}
		if !errors.Is(err, inner) {
			t.Fatalf("errors.Is(err, inner) = false, wanted true")
		}
		s := err.Error()
		if !strings.Contains(s, "oops") || !strings.Contains(s, "inner") || !strings.Contains(s, "(2)") {
			t.Fatalf("err.Error() = %q, wanted message with oops/inner/(2)", s)
		}
	})

	t.Run("large data includes prefix+suffix", func(t *testing.T) {
		data := make([]byte, 200)
		for i := range data {
			data[i] = byte(i)
		}
		err := dataErrf(data, 0, nil, "oops")
		s := err.Error()
		if !strings.Contains(s, "(200)") || !strings.Contains(s, "...") {
			t.Fatalf("err.Error() = %q, wanted message with (200) and ...", s)
		}
	})
}

func TestStorageError_ErrorAndUnwrap(t *testing.T) {
	inner := errors.New("disk on fire")
	err := storageErr("commit", "foos/1", inner)
	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is(err, inner) = false, wanted true")
	}
	deepEqual(t, err.Error(), "storage: commit foos/1: disk on fire")

	// already wrapped errors keep their original operation
	deepEqual(t, storageErr("batch", "", err), err)
	deepEqual(t, storageErr("batch", "", nil), nil)
	deepEqual(t, storageErr("begin", "", inner).Error(), "storage: begin: disk on fire")
}

func TestEtagConflict(t *testing.T) {
	ce := etagConflict("foos/1", NoEtag, 5)
	deepEqual(t, ce.Message, "document with key 'foos/1' already exists and checkForUpdates is false")
	deepEqual(t, ce.Actual, Etag(5))

	ce = etagConflict("foos/1", 3, 5)
	deepEqual(t, ce.Expected, Etag(3))
	deepEqual(t, ce.Actual, Etag(5))
	if !strings.Contains(ce.Error(), "foos/1") {
		t.Errorf("** %q does not mention the key", ce.Error())
	}

	ce = etagConflict("foos/1", 3, NoEtag)
	if !strings.Contains(ce.Error(), "does not exist") {
		t.Errorf("** %q", ce.Error())
	}
	deepEqual(t, IsConcurrencyError(ce), true)
	deepEqual(t, IsConcurrencyError(ErrNotFound), false)
}

func TestSafelyCall(t *testing.T) {
	v, err := safelyCall(func() (int, error) { return 42, nil })
	deepEqual(t, v, 42)
	deepEqual(t, err, nil)

	_, err = safelyCall(func() (int, error) { panic("boom") })
	var p panicked
	if !errors.As(err, &p) {
		t.Fatalf("err = %T, wanted panicked", err)
	}
	if !strings.HasPrefix(err.Error(), "panic: boom") {
		t.Errorf("err.Error() = %q", err.Error())
	}
}
