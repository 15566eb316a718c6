package store

import (
	"context"
	"testing"

	"cspipe/internal/platform/store/ch"
)

// TestCHAdapter_Ping_NilInner reports an error instead of panicking
func TestCHAdapter_Ping_NilInner(t *testing.T) {
	t.Parallel()

	a := &clickhouseAdapter{inner: nil}
	if err := a.Ping(context.Background()); err == nil {
		t.Fatalf("expected error on nil inner client")
	}
}

// TestCHAdapter_Insert_Delegates surfaces the inner client error
func TestCHAdapter_Insert_Delegates(t *testing.T) {
	t.Parallel()

	a := newCHAdapter(&ch.CH{})
	err := a.Insert(context.Background(), "some_table", []string{"a"}, [][]any{{1}})
	if err == nil {
		t.Fatalf("Insert on uninitialized client expected error, got nil")
	}
}

// TestCHAdapter_Query_Delegates surfaces the inner client error
func TestCHAdapter_Query_Delegates(t *testing.T) {
	t.Parallel()

	a := newCHAdapter(&ch.CH{})
	if _, err := a.Query(context.Background(), "SELECT 1"); err == nil {
		t.Fatalf("Query on uninitialized client expected error, got nil")
	}
}
